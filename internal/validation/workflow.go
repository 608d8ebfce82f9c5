package validation

import (
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (config union coherence, registry references, ${{ }} ordering)
//
// Structural errors short-circuit: the semantic stage assumes a well-formed
// tree.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	lookup     Lookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip registry existence checks.
func NewWorkflowValidator(lookup Lookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		lookup:     lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result with
// every problem found.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.lookup))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateValue delegates to the underlying JSONSchemaValidator for dynamic
// schema checks (capability output schemas, action contracts).
func (wv *WorkflowValidator) ValidateValue(value any, schemaBytes []byte) error {
	return wv.jsonSchema.ValidateValue(value, schemaBytes)
}

// ResolveInputs checks provided run inputs against the definition's input
// declarations and returns the effective input map: declared defaults
// applied, required inputs enforced, types checked, undeclared names
// rejected.
func ResolveInputs(def *schema.WorkflowDefinition, provided map[string]any) (map[string]any, error) {
	result := &schema.ValidationResult{}
	resolved := make(map[string]any, len(def.Inputs))

	for name := range provided {
		if _, declared := def.Inputs[name]; !declared {
			result.AddError("inputs."+name, schema.ErrCodeValidation,
				fmt.Sprintf("input %q is not declared by workflow %q", name, def.Name))
		}
	}

	for name, decl := range def.Inputs {
		val, ok := provided[name]
		if !ok {
			if decl.Required {
				result.AddError("inputs."+name, schema.ErrCodeValidation,
					fmt.Sprintf("required input %q is missing", name))
				continue
			}
			if decl.Default != nil {
				resolved[name] = decl.Default
			}
			continue
		}

		if err := checkInputType(decl.Type, val); err != nil {
			result.AddError("inputs."+name, schema.ErrCodeValidation,
				fmt.Sprintf("input %q: %s", name, err.Error()))
			continue
		}
		resolved[name] = val
	}

	if err := result.ToError(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	lerr, ok := err.(*schema.LoomError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if lerr.Details != nil {
		if violations, ok := lerr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, lerr.Message)
	return result
}
