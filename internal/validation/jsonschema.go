package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["version", "name", "steps"],
  "properties": {
    "version": { "type": "string", "enum": ["1"] },
    "name": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9_-]*$"
    },
    "description": { "type": "string" },
    "inputs": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/input" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "input": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "number", "boolean", "list", "object"]
        },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["action", "capability", "generate", "validate", "branch", "loop", "parallel", "subworkflow", "checkpoint"]
        },
        "when": { "type": "string", "minLength": 1 },
        "rollback": { "$ref": "#/$defs/rollback" },
        "action": { "$ref": "#/$defs/action" },
        "capability": { "$ref": "#/$defs/capability" },
        "generate": { "$ref": "#/$defs/generate" },
        "validate": { "$ref": "#/$defs/validate" },
        "branch": { "$ref": "#/$defs/branch" },
        "loop": { "$ref": "#/$defs/loop" },
        "parallel": { "$ref": "#/$defs/parallel" },
        "subworkflow": { "$ref": "#/$defs/subworkflow" },
        "checkpoint": { "$ref": "#/$defs/checkpoint" }
      },
      "additionalProperties": false
    },
    "rollback": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": { "type": "string", "minLength": 1 },
        "with": { "type": "object" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "with": { "type": "object" }
      },
      "additionalProperties": false
    },
    "capability": {
      "type": "object",
      "required": ["agent"],
      "properties": {
        "agent": { "type": "string", "minLength": 1 },
        "context": { "type": "string" },
        "prompt": { "type": "string" },
        "output_schema": {}
      },
      "additionalProperties": false
    },
    "generate": {
      "type": "object",
      "required": ["generator"],
      "properties": {
        "generator": { "type": "string", "minLength": 1 },
        "context": { "type": "object" }
      },
      "additionalProperties": false
    },
    "validate": {
      "type": "object",
      "required": ["stages"],
      "properties": {
        "stages": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "type": "integer", "minimum": 0 },
        "fixer": { "type": "string" }
      },
      "additionalProperties": false
    },
    "branch": {
      "type": "object",
      "required": ["condition", "then"],
      "properties": {
        "condition": { "type": "string", "minLength": 1 },
        "then": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "else": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["body"],
      "properties": {
        "over": { "type": "string", "minLength": 1 },
        "count": { "type": "integer", "minimum": 0 },
        "body": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "break": { "type": "string", "minLength": 1 },
        "max_iterations": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["branches"],
      "properties": {
        "branches": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["name", "steps"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "steps": {
                "type": "array",
                "minItems": 1,
                "items": { "$ref": "#/$defs/step" }
              }
            },
            "additionalProperties": false
          }
        },
        "on_failure": {
          "type": "string",
          "enum": ["wait_all", "cancel_siblings"]
        }
      },
      "additionalProperties": false
    },
    "subworkflow": {
      "type": "object",
      "required": ["workflow"],
      "properties": {
        "workflow": { "type": "string", "minLength": 1 },
        "inputs": { "type": "object" }
      },
      "additionalProperties": false
    },
    "checkpoint": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation using JSON Schema
// Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toLoomError(err)
	}
	return nil
}

// ValidateValue validates arbitrary data against a JSON Schema provided as
// raw bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateValue(value any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toLoomError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("loom://schema/%d", len(v.cache))
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

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLoomError converts a jsonschema.ValidationError into a LoomError with
// one message per leaf violation.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
