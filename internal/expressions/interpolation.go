package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// InterpolationScope holds all data available for ${{ }} resolution.
type InterpolationScope struct {
	Inputs   map[string]any // resolved workflow inputs
	Steps    map[string]any // step name -> frozen output
	Env      map[string]any // environment captured at run start
	Workflow map[string]any // run metadata (run_id, name, version)
	Loop     *LoopScope     // loop iteration variables (nil outside loops)
}

// LoopScope holds the variables of a single loop iteration.
type LoopScope struct {
	Item  any // current item value
	Index int // current iteration index (0-based)
}

// Interpolator resolves ${{...}} references in step configuration. It walks
// the decoded JSON tree: a string that is exactly one token takes the
// resolved value with its native type; tokens embedded inside a longer
// string are stringified in place.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve interpolates raw JSON against the scope and returns the
// interpolated JSON bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "cannot parse value for interpolation").
			WithCause(err)
	}

	resolved, err := interp.ResolveValue(decoded, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "cannot re-encode interpolated value").
			WithCause(err)
	}
	return out, nil
}

// ResolveMap interpolates every value of a decoded map in place-copy style.
func (interp *Interpolator) ResolveMap(m map[string]any, scope *InterpolationScope) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := interp.ResolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveValue interpolates a decoded JSON value (map/slice/string tree).
func (interp *Interpolator) ResolveValue(v any, scope *InterpolationScope) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(val, scope)
	case map[string]any:
		return interp.ResolveMap(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString interpolates one string. A string that is exactly a single
// ${{...}} token returns the resolved value unchanged in type; otherwise
// every token is replaced with its string form.
func (interp *Interpolator) ResolveString(s string, scope *InterpolationScope) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	// Whole-token case: keep the native type of the resolved value.
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		inner := strings.TrimSpace(s[3 : len(s)-2])
		if inner != "" && !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			return interp.resolveExpr(inner, scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{ }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// Namespaces lists the fixed reference namespaces, in documentation order.
var Namespaces = []string{"inputs", "steps", "env", "workflow", "loop"}

// resolveExpr resolves a single expression path like "steps.fetch.output.url".
func (interp *Interpolator) resolveExpr(expr string, scope *InterpolationScope) (any, error) {
	namespace, _, _ := strings.Cut(expr, ".")

	switch namespace {
	case "inputs":
		return interp.resolveNamespace(scope.Inputs, "inputs", expr)
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "env":
		return interp.resolveNamespace(scope.Env, "env", expr)
	case "workflow":
		return interp.resolveNamespace(scope.Workflow, "workflow", expr)
	case "loop":
		return interp.resolveLoop(expr, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(Namespaces, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": Namespaces})
	}
}

// resolveSteps resolves steps.<name>.output[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, name, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<name>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepName := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'output' is addressable (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	output, ok := scope.Steps[stepName]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", stepName, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	if len(parts) == 3 {
		return output, nil
	}
	return interp.traversePath(output, parts[3], expr)
}

// resolveLoop resolves loop.item and loop.index references.
func (interp *Interpolator) resolveLoop(expr string, scope *InterpolationScope) (any, error) {
	_, field, ok := strings.Cut(expr, ".")
	if !ok || field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid loop reference %q: expected loop.item or loop.index", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Loop == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"loop variable %q referenced outside of a loop body", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	switch {
	case field == "item":
		return scope.Loop.Item, nil
	case field == "index":
		return scope.Loop.Index, nil
	case strings.HasPrefix(field, "item."):
		return interp.traversePath(scope.Loop.Item, strings.TrimPrefix(field, "item."), expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown loop field %q in ${{%s}}; available: item, index", field, expr).
			WithDetails(map[string]any{"expression": expr})
	}
}

// resolveNamespace resolves a dot-delimited field path from a flat namespace map.
func (interp *Interpolator) resolveNamespace(data map[string]any, namespace, expr string) (any, error) {
	_, fieldPath, ok := strings.Cut(expr, ".")
	if !ok || fieldPath == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<name>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Direct key lookup first, so keys containing dots still resolve.
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates nested maps and slices using a dot-delimited path.
// Numeric segments index into slices.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"invalid list index %q in %q (list has %d elements)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}
	return current, nil
}

// stringify converts a resolved value into the text embedded inside a longer
// interpolated string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether raw bytes contain any ${{...}} token.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// ScanTokens extracts every ${{...}} expression from a string, trimmed.
// Unclosed tokens are ignored; the resolver reports those at run time.
func ScanTokens(s string) []string {
	var tokens []string
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		if tok := strings.TrimSpace(rest[:closeIdx]); tok != "" {
			tokens = append(tokens, tok)
		}
		s = rest[closeIdx+2:]
	}
	return tokens
}
