package capability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reviewSchema = []byte(`{
	"type": "object",
	"properties": {
		"approved": {"type": "boolean"},
		"score": {"type": "number"}
	},
	"required": ["approved"]
}`)

func TestOutputValidatorEmptySchemaPasses(t *testing.T) {
	v := NewOutputValidator()
	require.NoError(t, v.Validate("review", json.RawMessage(`{"anything": true}`), nil))
	require.NoError(t, v.Validate("review", json.RawMessage(`"plain text"`), []byte{}))
}

func TestOutputValidatorAcceptsConformingOutput(t *testing.T) {
	v := NewOutputValidator()
	out := json.RawMessage(`{"approved": true, "score": 0.92}`)
	require.NoError(t, v.Validate("review", out, reviewSchema))
}

func TestOutputValidatorReportsViolations(t *testing.T) {
	v := NewOutputValidator()
	out := json.RawMessage(`{"score": "high"}`)

	err := v.Validate("review", out, reviewSchema)
	require.Error(t, err)

	var verr *OutputValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "review", verr.StepName)
	assert.NotEmpty(t, verr.Violations)
	assert.Contains(t, err.Error(), "does not match its schema")
}

func TestOutputValidatorNonJSONOutput(t *testing.T) {
	v := NewOutputValidator()

	err := v.Validate("review", json.RawMessage(`{broken`), reviewSchema)
	require.Error(t, err)

	var verr *OutputValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Contains(t, verr.Violations[0], "not valid JSON")
}

func TestOutputValidatorBrokenSchemaIsPlainError(t *testing.T) {
	v := NewOutputValidator()

	err := v.Validate("review", json.RawMessage(`{}`), []byte(`{"type": 42}`))
	require.Error(t, err)

	var verr *OutputValidationError
	assert.NotErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "invalid output schema")
}

func TestOutputValidatorCachesCompiledSchemas(t *testing.T) {
	v := NewOutputValidator()
	out := json.RawMessage(`{"approved": false}`)

	require.NoError(t, v.Validate("a", out, reviewSchema))
	require.NoError(t, v.Validate("b", out, reviewSchema))
	assert.Len(t, v.cache, 1)
}

func TestOutputValidationErrorMessageShapes(t *testing.T) {
	one := &OutputValidationError{StepName: "s", Violations: []string{"/score: want number"}}
	assert.Contains(t, one.Error(), "/score: want number")

	many := &OutputValidationError{StepName: "s", Violations: []string{"a", "b"}}
	assert.Contains(t, many.Error(), "2 violations")
}
