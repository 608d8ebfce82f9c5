package expressions

import (
	"encoding/json"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/loomworks/loom/pkg/schema"
)

// ScopeBuilder constructs InterpolationScopes with variable isolation:
//   - Step outputs are frozen on insert and immutable after completion.
//   - The steps table is append-only across the run.
//   - Loop variables are scoped per iteration.
//   - Parallel branch scopes are isolated from sibling branches.
type ScopeBuilder struct {
	mu       sync.RWMutex
	steps    map[string]any
	inputs   map[string]any
	env      map[string]any
	workflow map[string]any

	// loop holds the current iteration variables; nil outside loop bodies.
	loop *LoopScope
}

// NewScopeBuilder creates a ScopeBuilder seeded with run-level data. All
// seed maps are deep-copied so later external mutation cannot leak in.
func NewScopeBuilder(inputs, env, workflow map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:    make(map[string]any),
		inputs:   copyMap(inputs),
		env:      copyMap(env),
		workflow: copyMap(workflow),
	}
}

// AddStepOutput registers a completed step's output, frozen at insertion.
// Re-registering a name is rejected: outputs are immutable once recorded.
func (sb *ScopeBuilder) AddStepOutput(stepName string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepName]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q output already registered; outputs are immutable after completion", stepName)
	}

	if len(output) == 0 {
		sb.steps[stepName] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot parse step %q output: %s", stepName, err.Error())
	}
	sb.steps[stepName] = deepcopy.Copy(parsed)
	return nil
}

// Build creates an InterpolationScope snapshot safe for concurrent use.
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	scope := &InterpolationScope{
		Steps:    copyMap(sb.steps),
		Inputs:   sb.inputs,   // frozen at init
		Env:      sb.env,      // frozen at init
		Workflow: sb.workflow, // frozen at init
	}
	if sb.loop != nil {
		scope.Loop = &LoopScope{
			Item:  deepcopy.Copy(sb.loop.Item),
			Index: sb.loop.Index,
		}
	}
	return scope
}

// WithLoopVars returns a child ScopeBuilder carrying one iteration's loop
// variables. The child shares the receiver's steps table; the loop runner
// composes this with ForParallelBranch, so each iteration binds its loop
// vars to an isolated snapshot and body-step outputs stay inside the
// iteration.
func (sb *ScopeBuilder) WithLoopVars(item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:    sb.steps,
		inputs:   sb.inputs,
		env:      sb.env,
		workflow: sb.workflow,
		loop: &LoopScope{
			Item:  deepcopy.Copy(item),
			Index: index,
		},
	}
}

// ForParallelBranch returns a child ScopeBuilder for one parallel branch.
// The child starts from a snapshot of the current step outputs and has its
// own isolated table: branch-local completions do not leak to siblings.
func (sb *ScopeBuilder) ForParallelBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:    copyMap(sb.steps),
		inputs:   sb.inputs,
		env:      sb.env,
		workflow: sb.workflow,
	}
}

// MergeBranchOutputs folds a settled branch's step outputs back into the
// parent. Existing names are preserved, keeping the immutability rule.
func (sb *ScopeBuilder) MergeBranchOutputs(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for stepName, output := range branchSteps {
		if _, exists := sb.steps[stepName]; !exists {
			sb.steps[stepName] = deepcopy.Copy(output)
		}
	}
}

// StepOutputs returns a detached copy of the current step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return copyMap(sb.steps)
}

// Snapshot captures the full variable state for checkpointing.
func (sb *ScopeBuilder) Snapshot() (inputs, env, workflow, steps map[string]any) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return copyMap(sb.inputs), copyMap(sb.env), copyMap(sb.workflow), copyMap(sb.steps)
}

// Restore rebuilds a ScopeBuilder from a checkpoint snapshot.
func Restore(inputs, env, workflow, steps map[string]any) *ScopeBuilder {
	sb := NewScopeBuilder(inputs, env, workflow)
	sb.steps = copyMap(steps)
	if sb.steps == nil {
		sb.steps = make(map[string]any)
	}
	return sb
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return nil
	}
	return cp
}
