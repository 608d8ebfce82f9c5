package capability

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// OutputValidationError indicates executor output that does not satisfy the
// step's declared output schema. It is terminal for the attempt: the failure
// is deterministic with respect to the produced output, so the engine never
// retries it.
type OutputValidationError struct {
	StepName   string
	Violations []string
}

func (e *OutputValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("output of step %s does not match its schema: %s", e.StepName, e.Violations[0])
	}
	return fmt.Sprintf("output of step %s does not match its schema (%d violations)", e.StepName, len(e.Violations))
}

// OutputValidator compiles and caches output schemas. Safe for concurrent use.
type OutputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewOutputValidator creates an empty OutputValidator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks output against schemaBytes. A nil/empty schema always
// passes. Schema violations return *OutputValidationError; anything else
// (unparseable output, broken schema) returns a plain error.
func (v *OutputValidator) Validate(stepName string, output json.RawMessage, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return fmt.Errorf("invalid output schema for step %s: %w", stepName, err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(output)))
	if err != nil {
		return &OutputValidationError{
			StepName:   stepName,
			Violations: []string{fmt.Sprintf("output is not valid JSON: %v", err)},
		}
	}

	if err := compiled.Validate(doc); err != nil {
		return &OutputValidationError{
			StepName:   stepName,
			Violations: violationMessages(err),
		}
	}
	return nil
}

func (v *OutputValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("loom://output-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// violationMessages flattens a jsonschema validation error tree into leaf
// messages with instance locations.
func violationMessages(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
