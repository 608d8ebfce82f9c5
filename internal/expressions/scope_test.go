package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ScopeBuilder tests ---

func TestScopeBuilder_NewScopeBuilder(t *testing.T) {
	inputs := map[string]any{"user": "alice"}
	env := map[string]any{"HOME": "/home/alice"}
	wf := map[string]any{"run_id": "wf-1"}

	sb := NewScopeBuilder(inputs, env, wf)
	require.NotNil(t, sb)

	scope := sb.Build()
	assert.Equal(t, "alice", scope.Inputs["user"])
	assert.Equal(t, "/home/alice", scope.Env["HOME"])
	assert.Equal(t, "wf-1", scope.Workflow["run_id"])
	assert.Empty(t, scope.Steps)
	assert.Nil(t, scope.Loop)
}

func TestScopeBuilder_NilInputs(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	scope := sb.Build()
	assert.Nil(t, scope.Inputs)
	assert.Nil(t, scope.Env)
	assert.Nil(t, scope.Workflow)
}

func TestScopeBuilder_AddStepOutput(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)

	output := json.RawMessage(`{"url":"https://api.example.com","status":200}`)
	err := sb.AddStepOutput("fetch", output)
	require.NoError(t, err)

	scope := sb.Build()
	fetchOut, ok := scope.Steps["fetch"]
	require.True(t, ok)
	m, ok := fetchOut.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.com", m["url"])
	assert.Equal(t, float64(200), m["status"])
}

func TestScopeBuilder_AddStepOutput_Empty(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	err := sb.AddStepOutput("empty", nil)
	require.NoError(t, err)

	scope := sb.Build()
	_, exists := scope.Steps["empty"]
	assert.True(t, exists)
}

func TestScopeBuilder_StepOutputImmutable(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)

	err := sb.AddStepOutput("fetch", json.RawMessage(`{"url":"v1"}`))
	require.NoError(t, err)

	// Second add of the same step name must fail.
	err = sb.AddStepOutput("fetch", json.RawMessage(`{"url":"v2"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	// The original value is preserved.
	scope := sb.Build()
	m := scope.Steps["fetch"].(map[string]any)
	assert.Equal(t, "v1", m["url"])
}

func TestScopeBuilder_BuildReturnsCopy(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	_ = sb.AddStepOutput("s1", json.RawMessage(`{"k":"v"}`))

	scope1 := sb.Build()
	scope2 := sb.Build()

	// Mutating scope1.Steps must not affect scope2.
	scope1.Steps["s1"] = "tampered"
	m := scope2.Steps["s1"].(map[string]any)
	assert.Equal(t, "v", m["k"])
}

func TestScopeBuilder_InputsImmutableFromExternal(t *testing.T) {
	inputs := map[string]any{"key": "original"}
	sb := NewScopeBuilder(inputs, nil, nil)

	// Mutate the original inputs map.
	inputs["key"] = "mutated"

	scope := sb.Build()
	assert.Equal(t, "original", scope.Inputs["key"])
}

// --- Loop variable scoping ---

func TestScopeBuilder_WithLoopVars(t *testing.T) {
	sb := NewScopeBuilder(
		map[string]any{"name": "test"},
		nil, nil,
	)
	_ = sb.AddStepOutput("s1", json.RawMessage(`{"data":"hello"}`))

	child := sb.WithLoopVars("item-value", 2)
	scope := child.Build()

	// Loop vars present.
	require.NotNil(t, scope.Loop)
	assert.Equal(t, "item-value", scope.Loop.Item)
	assert.Equal(t, 2, scope.Loop.Index)

	// Parent data still accessible.
	assert.Equal(t, "test", scope.Inputs["name"])
	m := scope.Steps["s1"].(map[string]any)
	assert.Equal(t, "hello", m["data"])
}

func TestScopeBuilder_LoopVarsScoped(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)

	// Parent has no loop.
	parentScope := sb.Build()
	assert.Nil(t, parentScope.Loop)

	// Child iteration 0.
	child0 := sb.WithLoopVars("a", 0)
	scope0 := child0.Build()
	assert.Equal(t, "a", scope0.Loop.Item)
	assert.Equal(t, 0, scope0.Loop.Index)

	// Child iteration 1.
	child1 := sb.WithLoopVars("b", 1)
	scope1 := child1.Build()
	assert.Equal(t, "b", scope1.Loop.Item)
	assert.Equal(t, 1, scope1.Loop.Index)

	// Parent still has no loop.
	parentScope = sb.Build()
	assert.Nil(t, parentScope.Loop)
}

func TestScopeBuilder_LoopVarsSharedSteps(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	child := sb.WithLoopVars("x", 0)

	// The child shares the append-only steps table with the parent.
	require.NoError(t, child.AddStepOutput("body_step", json.RawMessage(`{"v":1}`)))
	_, exists := sb.Build().Steps["body_step"]
	assert.True(t, exists)
}

func TestScopeBuilder_LoopVarsObjectItem(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	item := map[string]any{"name": "alice", "age": float64(30)}
	child := sb.WithLoopVars(item, 0)
	scope := child.Build()

	require.NotNil(t, scope.Loop)
	m, ok := scope.Loop.Item.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", m["name"])

	// Mutating the original doesn't affect the scoped copy.
	item["name"] = "bob"
	scope2 := child.Build()
	m2 := scope2.Loop.Item.(map[string]any)
	assert.Equal(t, "alice", m2["name"])
}

// --- Parallel branch isolation ---

func TestScopeBuilder_ForParallelBranch(t *testing.T) {
	sb := NewScopeBuilder(map[string]any{"input": "shared"}, nil, nil)
	_ = sb.AddStepOutput("s1", json.RawMessage(`{"data":"parent"}`))

	branch := sb.ForParallelBranch()

	// Branch sees the parent's steps.
	branchScope := branch.Build()
	m := branchScope.Steps["s1"].(map[string]any)
	assert.Equal(t, "parent", m["data"])

	// Branch adds its own step.
	err := branch.AddStepOutput("branch_step", json.RawMessage(`{"result":"branch-data"}`))
	require.NoError(t, err)

	// Branch sees its own step.
	branchScope = branch.Build()
	_, exists := branchScope.Steps["branch_step"]
	assert.True(t, exists)

	// Parent does NOT see the branch's step.
	parentScope := sb.Build()
	_, exists = parentScope.Steps["branch_step"]
	assert.False(t, exists)
}

func TestScopeBuilder_ParallelBranchIsolation(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)

	branch1 := sb.ForParallelBranch()
	branch2 := sb.ForParallelBranch()

	_ = branch1.AddStepOutput("b1_step", json.RawMessage(`{"v":1}`))
	_ = branch2.AddStepOutput("b2_step", json.RawMessage(`{"v":2}`))

	// branch1 cannot see branch2's step.
	scope1 := branch1.Build()
	_, exists := scope1.Steps["b2_step"]
	assert.False(t, exists)

	// branch2 cannot see branch1's step.
	scope2 := branch2.Build()
	_, exists = scope2.Steps["b1_step"]
	assert.False(t, exists)
}

func TestScopeBuilder_MergeBranchOutputs(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	_ = sb.AddStepOutput("s1", json.RawMessage(`{"existing":"yes"}`))

	branch := sb.ForParallelBranch()
	_ = branch.AddStepOutput("b_step", json.RawMessage(`{"result":"merged"}`))

	sb.MergeBranchOutputs(branch)

	scope := sb.Build()
	_, exists := scope.Steps["b_step"]
	assert.True(t, exists)

	// Existing step preserved.
	m := scope.Steps["s1"].(map[string]any)
	assert.Equal(t, "yes", m["existing"])
}

func TestScopeBuilder_MergeBranchDoesNotOverwrite(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	_ = sb.AddStepOutput("shared", json.RawMessage(`{"v":"parent"}`))

	branch := sb.ForParallelBranch()
	// The branch inherited "shared" from the parent snapshot; merging it
	// back must not overwrite the parent's copy.
	sb.MergeBranchOutputs(branch)

	scope := sb.Build()
	m := scope.Steps["shared"].(map[string]any)
	assert.Equal(t, "parent", m["v"])
}

// --- StepOutputs ---

func TestScopeBuilder_StepOutputs(t *testing.T) {
	sb := NewScopeBuilder(nil, nil, nil)
	_ = sb.AddStepOutput("a", json.RawMessage(`{"x":1}`))
	_ = sb.AddStepOutput("b", json.RawMessage(`{"y":2}`))

	outputs := sb.StepOutputs()
	assert.Len(t, outputs, 2)

	// Mutating the returned map shouldn't affect internal state.
	outputs["c"] = "injected"
	assert.Len(t, sb.StepOutputs(), 2)
}

// --- Snapshot and restore ---

func TestScopeBuilder_SnapshotRestore(t *testing.T) {
	sb := NewScopeBuilder(
		map[string]any{"user": "alice"},
		map[string]any{"HOME": "/home/alice"},
		map[string]any{"run_id": "wf-1"},
	)
	_ = sb.AddStepOutput("fetch", json.RawMessage(`{"token":"abc"}`))

	inputs, env, workflow, steps := sb.Snapshot()

	restored := Restore(inputs, env, workflow, steps)
	scope := restored.Build()

	assert.Equal(t, "alice", scope.Inputs["user"])
	assert.Equal(t, "/home/alice", scope.Env["HOME"])
	assert.Equal(t, "wf-1", scope.Workflow["run_id"])
	m := scope.Steps["fetch"].(map[string]any)
	assert.Equal(t, "abc", m["token"])

	// The restored builder honors the immutability rule for restored steps.
	err := restored.AddStepOutput("fetch", json.RawMessage(`{"token":"other"}`))
	require.Error(t, err)
}

func TestRestore_NilSteps(t *testing.T) {
	restored := Restore(nil, nil, nil, nil)
	require.NoError(t, restored.AddStepOutput("s1", json.RawMessage(`{"v":1}`)))
	_, exists := restored.Build().Steps["s1"]
	assert.True(t, exists)
}

// --- Loop interpolation integration ---

func TestInterpolator_LoopItem(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{
		Loop: &LoopScope{Item: "current-value", Index: 3},
	}

	raw := json.RawMessage(`{"item":"${{loop.item}}","idx":"${{loop.index}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"item":"current-value"`)
	// Whole-token references keep the native type.
	assert.Contains(t, string(result), `"idx":3`)
}

func TestInterpolator_LoopItemNested(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{
		Loop: &LoopScope{
			Item:  map[string]any{"name": "alice", "email": "alice@example.com"},
			Index: 0,
		},
	}

	raw := json.RawMessage(`{"name":"${{loop.item.name}}","email":"${{loop.item.email}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"name":"alice"`)
	assert.Contains(t, string(result), `"email":"alice@example.com"`)
}

func TestInterpolator_LoopOutsideContext(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{} // no Loop

	raw := json.RawMessage(`{"x":"${{loop.item}}"}`)
	_, err := interp.Resolve(raw, scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside of a loop")
}

func TestInterpolator_LoopUnknownField(t *testing.T) {
	interp := NewInterpolator()
	scope := &InterpolationScope{
		Loop: &LoopScope{Item: "x", Index: 0},
	}

	raw := json.RawMessage(`{"x":"${{loop.unknown}}"}`)
	_, err := interp.Resolve(raw, scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown loop field")
}

func TestInterpolator_LoopInvalidPath(t *testing.T) {
	interp := NewInterpolator()
	raw := json.RawMessage(`{"x":"${{loop.}}"}`)

	_, err := interp.Resolve(raw, &InterpolationScope{
		Loop: &LoopScope{Item: "x", Index: 0},
	})
	require.Error(t, err)
}

// --- copyMap ---

func TestCopyMap(t *testing.T) {
	original := map[string]any{
		"a": "hello",
		"b": map[string]any{"nested": float64(42)},
		"c": []any{"x", "y"},
	}

	copied := copyMap(original)

	// Modify original.
	original["a"] = "mutated"
	original["b"].(map[string]any)["nested"] = float64(99)
	original["c"].([]any)[0] = "z"

	// Copy unaffected.
	assert.Equal(t, "hello", copied["a"])
	assert.Equal(t, float64(42), copied["b"].(map[string]any)["nested"])
	assert.Equal(t, "x", copied["c"].([]any)[0])
}

func TestCopyMap_Nil(t *testing.T) {
	assert.Nil(t, copyMap(nil))
}

// --- End-to-end: ScopeBuilder + Interpolator ---

func TestScopeBuilder_EndToEnd_WithInterpolator(t *testing.T) {
	sb := NewScopeBuilder(
		map[string]any{"base_url": "https://api.example.com"},
		nil,
		map[string]any{"run_id": "wf-123"},
	)

	_ = sb.AddStepOutput("fetch", json.RawMessage(`{"token":"abc123","items":[1,2,3]}`))

	interp := NewInterpolator()
	scope := sb.Build()

	raw := json.RawMessage(`{"url":"${{inputs.base_url}}/data","auth":"${{steps.fetch.output.token}}","wf":"${{workflow.run_id}}"}`)
	result, err := interp.Resolve(raw, scope)
	require.NoError(t, err)

	assert.Contains(t, string(result), `"url":"https://api.example.com/data"`)
	assert.Contains(t, string(result), `"auth":"abc123"`)
	assert.Contains(t, string(result), `"wf":"wf-123"`)
}

func TestScopeBuilder_EndToEnd_LoopIteration(t *testing.T) {
	sb := NewScopeBuilder(
		map[string]any{"prefix": "item"},
		nil, nil,
	)

	items := []any{
		map[string]any{"id": "a", "name": "alpha"},
		map[string]any{"id": "b", "name": "beta"},
	}

	interp := NewInterpolator()

	for i, item := range items {
		child := sb.WithLoopVars(item, i)
		scope := child.Build()

		raw := json.RawMessage(`{"label":"${{inputs.prefix}}-${{loop.item.name}}","idx":"${{loop.index}}"}`)
		result, err := interp.Resolve(raw, scope)
		require.NoError(t, err)

		s := string(result)
		m := item.(map[string]any)
		assert.Contains(t, s, `"label":"item-`+m["name"].(string)+`"`)
	}
}
