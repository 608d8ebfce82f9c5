package schema

import (
	"github.com/goccy/go-yaml"
)

// ParseDefinition decodes a workflow definition from YAML (or JSON, which is
// a YAML subset). Decoding errors surface as VALIDATION_ERROR; structural and
// semantic checks run separately and report aggregated results.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.UnmarshalWithOptions(data, &def, yaml.Strict()); err != nil {
		return nil, NewError(ErrCodeValidation, "workflow definition is not parseable").
			WithCause(err).
			WithDetails(map[string]any{"parse_error": err.Error()})
	}
	return &def, nil
}

// DefinitionJSON converts a raw YAML definition to its JSON form, used by the
// structural validator which operates on JSON documents.
func DefinitionJSON(data []byte) ([]byte, error) {
	out, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, NewError(ErrCodeValidation, "workflow definition is not parseable").
			WithCause(err)
	}
	return out, nil
}
