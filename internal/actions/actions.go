// Package actions provides the built-in action implementations registered
// into the component registry at startup: HTTP calls, data transforms,
// assertions, expression evaluation, hashing, filesystem access, shell
// execution and logging.
package actions

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// Sandbox restricts which filesystem paths the fs and shell actions may
// touch. Empty root lists allow everything; workflows running untrusted
// definitions should always set both.
type Sandbox struct {
	ReadRoots  []string
	WriteRoots []string
}

// CheckRead reports whether the path may be read.
func (s Sandbox) CheckRead(path string) error {
	return checkRoots(path, s.ReadRoots, "read")
}

// CheckWrite reports whether the path may be written.
func (s Sandbox) CheckWrite(path string) error {
	return checkRoots(path, s.WriteRoots, "write")
}

func checkRoots(path string, roots []string, access string) error {
	if len(roots) == 0 {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "path %q denied for %s access", path, access)
}

// --- Param helpers used by all action files ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// marshalOutput marshals a result map into an ActionOutput.
func marshalOutput(result map[string]any) (*registry.ActionOutput, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to marshal output: %v", err)
	}
	return &registry.ActionOutput{Data: json.RawMessage(data)}, nil
}

// normalizeJSON converts Go numeric types to float64 for consistent
// deep-equal comparison. JSON unmarshaling produces float64 for numbers;
// this normalizes int, int64, json.Number so reflect.DeepEqual works
// across boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = func() json.RawMessage {
	b, _ := json.Marshal(map[string]any{"pass": true})
	return b
}()
