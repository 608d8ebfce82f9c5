package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		data       map[string]any
		want       any
	}{
		{
			name:       "comparison",
			expression: `inputs.count >= 3`,
			data:       map[string]any{"inputs": map[string]any{"count": 3}},
			want:       true,
		},
		{
			name:       "nested field access",
			expression: `steps.fetch.status`,
			data: map[string]any{
				"steps": map[string]any{"fetch": map[string]any{"status": 200}},
			},
			want: 200,
		},
		{
			name:       "nil coalescing",
			expression: `inputs.missing ?? "fallback"`,
			data:       map[string]any{"inputs": map[string]any{}},
			want:       "fallback",
		},
		{
			name:       "optional chaining",
			expression: `steps?.absent?.field == nil`,
			data:       map[string]any{"steps": map[string]any{}},
			want:       true,
		},
		{
			name:       "array filter and len",
			expression: `len(filter(inputs.nums, # > 2))`,
			data:       map[string]any{"inputs": map[string]any{"nums": []any{1, 2, 3, 4}}},
			want:       2,
		},
		{
			name:       "all predicate",
			expression: `all(inputs.nums, # > 0)`,
			data:       map[string]any{"inputs": map[string]any{"nums": []any{1, 2, 3}}},
			want:       true,
		},
		{
			name:       "string contains",
			expression: `inputs.name contains "lo"`,
			data:       map[string]any{"inputs": map[string]any{"name": "hello"}},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expression, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_EvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := e.EvaluateBool(ctx, `inputs.n > 1`, map[string]any{
		"inputs": map[string]any{"n": 2},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.EvaluateBool(ctx, `inputs.n + 1`, map[string]any{
		"inputs": map[string]any{"n": 2},
	})
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
	assert.Contains(t, lerr.Message, "boolean")
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `inputs.x >`, nil)
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
	assert.Contains(t, lerr.Message, "compile")
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	// Undefined variables resolve to nil rather than failing compilation.
	got, err := e.Evaluate(context.Background(), `undefined_var == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestExprEngine_NilData(t *testing.T) {
	e := NewExprEngine()

	got, err := e.Evaluate(context.Background(), `1 + 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestExprEngine_ConcurrentEvaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := e.Evaluate(ctx, `inputs.n * 2`, map[string]any{
				"inputs": map[string]any{"n": n},
			})
			assert.NoError(t, err)
			assert.Equal(t, n*2, got)
		}(i)
	}
	wg.Wait()
}
