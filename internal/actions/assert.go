package actions

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

// AssertActions returns all assertion-related actions. An assertion failure
// carries ASSERTION_FAILED, which is never retried.
func AssertActions(validator *validation.JSONSchemaValidator) []registry.Action {
	return []registry.Action{
		&assertEqualsAction{},
		&assertContainsAction{},
		&assertMatchesAction{},
		&assertSchemaAction{validator: validator},
	}
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{Description: "Assert that two values are deeply equal"}
}

func (a *assertEqualsAction) Validate(args map[string]any) error {
	if _, ok := args["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := args["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (a *assertEqualsAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	expected := normalizeJSON(input.Args["expected"])
	actual := normalizeJSON(input.Args["actual"])

	if reflect.DeepEqual(expected, actual) {
		return &registry.ActionOutput{Data: passResult}, nil
	}

	msg := "assertion failed: values are not equal"
	if m, ok := input.Args["message"].(string); ok && m != "" {
		msg = m
	}

	return nil, schema.NewError(schema.ErrCodeAssertion, msg).
		WithDetails(map[string]any{"expected": input.Args["expected"], "actual": input.Args["actual"]})
}

// --- assert.contains ---

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{Description: "Assert that a string or array contains a value"}
}

func (a *assertContainsAction) Validate(args map[string]any) error {
	if _, ok := args["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := args["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (a *assertContainsAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	haystack := input.Args["haystack"]
	needle := input.Args["needle"]

	msg := "assertion failed: value not found"
	if m, ok := input.Args["message"].(string); ok && m != "" {
		msg = m
	}

	switch hs := haystack.(type) {
	case string:
		var needleStr string
		if s, ok := needle.(string); ok {
			needleStr = s
		} else {
			b, _ := json.Marshal(needle)
			needleStr = string(b)
		}
		if strings.Contains(hs, needleStr) {
			return &registry.ActionOutput{Data: passResult}, nil
		}
		return nil, schema.NewError(schema.ErrCodeAssertion, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return &registry.ActionOutput{Data: passResult}, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeAssertion, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesAction struct{}

func (a *assertMatchesAction) Name() string { return "assert.matches" }

func (a *assertMatchesAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{Description: "Assert that a string matches a regular expression"}
}

func (a *assertMatchesAction) Validate(args map[string]any) error {
	if _, ok := args["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	if _, ok := args["pattern"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	return nil
}

func (a *assertMatchesAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	value, _ := input.Args["value"].(string)
	pattern, _ := input.Args["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg := "assertion failed: value does not match pattern"
		if m, ok := input.Args["message"].(string); ok && m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeAssertion, msg).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	return marshalOutput(map[string]any{"pass": true, "matches": re.FindString(value)})
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (a *assertSchemaAction) Validate(args map[string]any) error {
	if _, ok := args["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := args["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' parameter")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	schemaBytes, err := json.Marshal(input.Args["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	if err := a.validator.ValidateValue(input.Args["data"], schemaBytes); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := input.Args["message"].(string); ok && m != "" {
			msg = m
		}
		details := map[string]any{"error": err.Error()}
		var lerr *schema.LoomError
		if errors.As(err, &lerr) && lerr.Details != nil {
			details["violations"] = lerr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeAssertion, msg).WithDetails(details)
	}

	return &registry.ActionOutput{Data: passResult}, nil
}
