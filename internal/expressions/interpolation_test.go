package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

// --- helpers ---

func interpScope(inputs, steps, env, workflow map[string]any) *InterpolationScope {
	return &InterpolationScope{
		Inputs:   inputs,
		Steps:    steps,
		Env:      env,
		Workflow: workflow,
	}
}

func requireInterpError(t *testing.T, err error, contains string) {
	t.Helper()
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeInterpolation, lerr.Code)
	if contains != "" {
		assert.Contains(t, lerr.Message, contains)
	}
}

// --- Resolve tests ---

func TestInterpolator_NoInterpolation(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"url":"https://example.com","count":42}`)

	result, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com","count":42}`, string(result))
}

func TestInterpolator_EmptyRaw(t *testing.T) {
	interp := NewInterpolator()

	result, err := interp.Resolve(nil, interpScope(nil, nil, nil, nil))
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = interp.Resolve(json.RawMessage(``), interpScope(nil, nil, nil, nil))
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestInterpolator_StepOutput_Full(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"fetch": map[string]any{"url": "https://api.example.com", "status": float64(200)}},
		nil, nil)

	raw := json.RawMessage(`{"data":"${{steps.fetch.output}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	// Whole-token reference keeps the native map type.
	assert.JSONEq(t, `{"data":{"url":"https://api.example.com","status":200}}`, string(result))
}

func TestInterpolator_StepOutput_NestedField(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"fetch": map[string]any{"url": "https://api.example.com", "status": float64(200)}},
		nil, nil)

	raw := json.RawMessage(`{"target":"${{steps.fetch.output.url}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"https://api.example.com"}`, string(result))
}

func TestInterpolator_StepOutput_DeepNested(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{
			"api_call": map[string]any{
				"response": map[string]any{
					"body": map[string]any{
						"items": []any{"a", "b", "c"},
					},
				},
			},
		},
		nil, nil)

	raw := json.RawMessage(`{"items":"${{steps.api_call.output.response.body.items}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["a","b","c"]}`, string(result))
}

func TestInterpolator_ListIndex(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"pick": map[string]any{"items": []any{"first", "second"}}},
		nil, nil)

	raw := json.RawMessage(`{"x":"${{steps.pick.output.items.1}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"second"}`, string(result))
}

func TestInterpolator_Inputs(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(
		map[string]any{"user_id": "usr-123", "count": float64(10)},
		nil, nil, nil)

	raw := json.RawMessage(`{"user":"${{inputs.user_id}}","limit":"${{inputs.count}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	// Whole-token numbers keep their type.
	assert.JSONEq(t, `{"user":"usr-123","limit":10}`, string(result))
}

func TestInterpolator_Env(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, nil,
		map[string]any{"HOME": "/home/ci"},
		nil)

	raw := json.RawMessage(`{"home":"${{env.HOME}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"home":"/home/ci"}`, string(result))
}

func TestInterpolator_WorkflowMetadata(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, nil, nil,
		map[string]any{"run_id": "run-abc-123", "name": "test-workflow"})

	raw := json.RawMessage(`{"run":"${{workflow.run_id}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run":"run-abc-123"}`, string(result))
}

func TestInterpolator_LoopVars(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, nil, nil, nil)
	scope.Loop = &LoopScope{Item: map[string]any{"id": "it-9"}, Index: 3}

	raw := json.RawMessage(`{"item":"${{loop.item}}","idx":"${{loop.index}}","id":"${{loop.item.id}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":{"id":"it-9"},"idx":3,"id":"it-9"}`, string(result))
}

func TestInterpolator_LoopOutsideLoop(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"${{loop.item}}"}`)

	_, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	requireInterpError(t, err, "outside of a loop")
}

func TestInterpolator_MultipleRefsInOneValue(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(
		map[string]any{"host": "example.com", "port": "8080"},
		nil, nil, nil)

	raw := json.RawMessage(`{"url":"https://${{inputs.host}}:${{inputs.port}}/api"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com:8080/api"}`, string(result))
}

func TestInterpolator_MixedNamespaces(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(
		map[string]any{"name": "test"},
		map[string]any{"s1": map[string]any{"url": "http://x"}},
		map[string]any{"STAGE": "prod"},
		map[string]any{"run_id": "run-1"})

	raw := json.RawMessage(`{
		"url":"${{steps.s1.output.url}}",
		"name":"${{inputs.name}}",
		"run":"${{workflow.run_id}}",
		"stage":"${{env.STAGE}}"
	}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	s := string(result)
	assert.Contains(t, s, `"url":"http://x"`)
	assert.Contains(t, s, `"name":"test"`)
	assert.Contains(t, s, `"run":"run-1"`)
	assert.Contains(t, s, `"stage":"prod"`)
}

// --- Error cases ---

func TestInterpolator_UnclosedExpression(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"a ${{inputs.foo"}`)

	_, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	requireInterpError(t, err, "unclosed")
}

func TestInterpolator_EmptyExpression(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"a ${{  }}"}`)

	_, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	requireInterpError(t, err, "empty")
}

func TestInterpolator_NestedInterpolationRejected(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"v ${{steps.${{y}}.output}}"}`)

	_, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	requireInterpError(t, err, "nested")
}

func TestInterpolator_UnknownNamespace(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"${{secrets.key}}"}`)

	_, err := interp.Resolve(raw, interpScope(nil, nil, nil, nil))
	requireInterpError(t, err, "unknown namespace")
}

func TestInterpolator_MissingStep(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"other_step": map[string]any{"val": float64(1)}},
		nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{steps.missing.output}}"}`), scope)
	requireInterpError(t, err, "not found")
	assert.Contains(t, err.Error(), "other_step") // lists available steps
}

func TestInterpolator_MissingNestedField(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"fetch": map[string]any{"url": "https://example.com"}},
		nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{steps.fetch.output.nonexistent}}"}`), scope)
	requireInterpError(t, err, "not found")
	assert.Contains(t, err.Error(), "url") // lists available fields
}

func TestInterpolator_StepRef_NotOutput(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, map[string]any{"fetch": map[string]any{}}, nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{steps.fetch.status}}"}`), scope)
	requireInterpError(t, err, "only 'output' is addressable")
}

func TestInterpolator_StepRef_TooShort(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, map[string]any{"fetch": map[string]any{}}, nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{steps.fetch}}"}`), scope)
	requireInterpError(t, err, "expected steps.<name>.output")
}

func TestInterpolator_MissingInput(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(map[string]any{"a": float64(1)}, nil, nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{inputs.missing}}"}`), scope)
	requireInterpError(t, err, "")
}

func TestInterpolator_TraverseNonObject(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"fetch": map[string]any{"count": float64(42)}},
		nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{steps.fetch.output.count.nested}}"}`), scope)
	requireInterpError(t, err, "cannot traverse")
}

func TestInterpolator_EmptyInputsScope(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil, nil, nil, nil)

	_, err := interp.Resolve(json.RawMessage(`{"x":"${{inputs.name}}"}`), scope)
	requireInterpError(t, err, "scope is empty")
}

func TestInterpolator_InvalidNamespacePaths(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(map[string]any{}, nil, map[string]any{}, map[string]any{})

	for _, raw := range []string{
		`{"x":"a ${{inputs.}}"}`,
		`{"x":"a ${{workflow.}}"}`,
		`{"x":"a ${{env.}}"}`,
	} {
		_, err := interp.Resolve(json.RawMessage(raw), scope)
		assert.Error(t, err, raw)
	}
}

// --- Type preservation in embedded strings ---

func TestInterpolator_BooleanStringified(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"check": map[string]any{"enabled": true}},
		nil, nil)

	raw := json.RawMessage(`{"flag":"enabled=${{steps.check.output.enabled}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"flag":"enabled=true"}`, string(result))
}

func TestInterpolator_NumericStringified(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"calc": map[string]any{"total": float64(99.5)}},
		nil, nil)

	raw := json.RawMessage(`{"amount":"total: ${{steps.calc.output.total}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"total: 99.5"}`, string(result))
}

func TestInterpolator_NullStringified(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(nil,
		map[string]any{"step1": map[string]any{"val": nil}},
		nil, nil)

	raw := json.RawMessage(`{"v":"got ${{steps.step1.output.val}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"got null"}`, string(result))
}

// --- Direct key lookup with dots ---

func TestInterpolator_InputsDirectKeyWithDots(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(
		map[string]any{"my.key.with.dots": "found-it"},
		nil, nil, nil)

	result, err := interp.Resolve(json.RawMessage(`{"x":"${{inputs.my.key.with.dots}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"found-it"}`, string(result))
}

// --- ResolveMap ---

func TestInterpolator_ResolveMap(t *testing.T) {
	interp := NewInterpolator()
	scope := interpScope(map[string]any{"name": "alice"}, nil, nil, nil)

	out, err := interp.ResolveMap(map[string]any{
		"greeting": "hi ${{inputs.name}}",
		"raw":      "${{inputs.name}}",
		"list":     []any{"${{inputs.name}}", float64(2)},
		"n":        float64(7),
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", out["greeting"])
	assert.Equal(t, "alice", out["raw"])
	assert.Equal(t, []any{"alice", float64(2)}, out["list"])
	assert.Equal(t, float64(7), out["n"])
}

func TestInterpolator_ResolveMap_Nil(t *testing.T) {
	interp := NewInterpolator()
	out, err := interp.ResolveMap(nil, interpScope(nil, nil, nil, nil))
	require.NoError(t, err)
	assert.Nil(t, out)
}

// --- HasInterpolation / ScanTokens ---

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation(json.RawMessage(`{"x":"${{inputs.a}}"}`)))
	assert.False(t, HasInterpolation(json.RawMessage(`{"x":"plain value"}`)))
	assert.False(t, HasInterpolation(json.RawMessage(`{}`)))
	assert.False(t, HasInterpolation(nil))
}

func TestScanTokens(t *testing.T) {
	tokens := ScanTokens(`${{steps.a.output.x}} and ${{ inputs.b }} plus plain`)
	assert.Equal(t, []string{"steps.a.output.x", "inputs.b"}, tokens)
}

func TestScanTokens_Unclosed(t *testing.T) {
	tokens := ScanTokens(`${{steps.a.output}} then ${{broken`)
	assert.Equal(t, []string{"steps.a.output"}, tokens)
}

// --- stringify ---

func TestStringify(t *testing.T) {
	assert.Equal(t, "hello", stringify("hello"))
	assert.Equal(t, "null", stringify(nil))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "false", stringify(false))
	assert.Equal(t, "42", stringify(float64(42)))
	assert.Equal(t, "99", stringify(int(99)))
	assert.Equal(t, "100", stringify(int64(100)))
	assert.Equal(t, `{"a":"b"}`, stringify(json.RawMessage(`{"a":"b"}`)))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
}

// --- mapKeys ---

func TestMapKeys_Sorted(t *testing.T) {
	m := map[string]any{"c": 1, "a": 2, "b": 3}
	assert.Equal(t, []string{"a", "b", "c"}, mapKeys(m))
}

func TestMapKeys_Nil(t *testing.T) {
	assert.Nil(t, mapKeys(nil))
}
