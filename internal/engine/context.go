package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

// StepResult is the recorded outcome of one step execution. Once appended to
// the run context it is never mutated.
type StepResult struct {
	Name       string            `json:"name"`
	Type       schema.StepType   `json:"type"`
	Status     schema.StepStatus `json:"status"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      *schema.LoomError `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	DurationMS int64             `json:"duration_ms"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`

	// ValidateAttempts is populated for validate steps only: the full
	// stage-by-stage history across fix attempts.
	ValidateAttempts []ValidateAttempt `json:"validate_attempts,omitempty"`

	// ExecutorEvents holds the sub-events the executor reported for a
	// capability step, in emission order. The same events are forwarded
	// live to the progress stream while the invocation runs.
	ExecutorEvents []capability.ExecEvent `json:"executor_events,omitempty"`
}

// ValidateAttempt records one pass over a validate step's stages.
type ValidateAttempt struct {
	Attempt int                `json:"attempt"`
	Reports []ValidateStageRun `json:"reports"`
	Fixed   bool               `json:"fixed,omitempty"`
}

// ValidateStageRun is one stage execution within an attempt.
type ValidateStageRun struct {
	Stage    string   `json:"stage"`
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
}

// rollbackEntry remembers a completed step's compensation for reverse-order
// execution on cancellation.
type rollbackEntry struct {
	stepName string
	spec     *schema.RollbackSpec
}

// RunContext is the mutable state of one workflow run, owned by a single
// Interpreter. The results list is append-only and ordered by completion.
type RunContext struct {
	RunID   string
	Def     *schema.WorkflowDefinition
	Inputs  map[string]any
	Scope   *expressions.ScopeBuilder
	Started time.Time

	mu        sync.Mutex
	results   []StepResult
	rollbacks []rollbackEntry
}

// NewRunContext creates a RunContext seeded with resolved inputs and the
// captured environment.
func NewRunContext(runID string, def *schema.WorkflowDefinition, inputs, env map[string]any) *RunContext {
	workflow := map[string]any{
		"run_id":  runID,
		"name":    def.Name,
		"version": def.Version,
	}
	return &RunContext{
		RunID:   runID,
		Def:     def,
		Inputs:  inputs,
		Scope:   expressions.NewScopeBuilder(inputs, env, workflow),
		Started: time.Now(),
	}
}

// Record appends a step result. Completion order is insertion order.
func (rc *RunContext) Record(result StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results = append(rc.results, result)
}

// RecordAll appends a settled batch of results in order, used by parallel
// branches which buffer locally and publish only on settlement.
func (rc *RunContext) RecordAll(results []StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results = append(rc.results, results...)
}

// PushRollback remembers a completed step's compensation.
func (rc *RunContext) PushRollback(stepName string, spec *schema.RollbackSpec) {
	if spec == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.rollbacks = append(rc.rollbacks, rollbackEntry{stepName: stepName, spec: spec})
}

// Rollbacks returns the recorded compensations in reverse completion order.
func (rc *RunContext) Rollbacks() []rollbackEntry {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]rollbackEntry, len(rc.rollbacks))
	for i, e := range rc.rollbacks {
		out[len(rc.rollbacks)-1-i] = e
	}
	return out
}

// Results returns a copy of the recorded results in completion order.
func (rc *RunContext) Results() []StepResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]StepResult, len(rc.results))
	copy(out, rc.results)
	return out
}

// ResultCount returns the number of recorded results.
func (rc *RunContext) ResultCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.results)
}

// Snapshot captures a deep-copied view of the run state for checkpointing.
// The snapshot shares nothing with the live context. Results are copied via
// a JSON round-trip: they must serialize anyway, and error causes are
// deliberately dropped at this boundary.
func (rc *RunContext) Snapshot(nextStep int) *ContextSnapshot {
	inputs, env, workflow, steps := rc.Scope.Snapshot()

	rc.mu.Lock()
	results := copyResults(rc.results)
	rc.mu.Unlock()

	return &ContextSnapshot{
		Inputs:   inputs,
		Env:      env,
		Workflow: workflow,
		Steps:    steps,
		Results:  results,
		NextStep: nextStep,
	}
}

// ContextSnapshot is the serializable run state stored inside a checkpoint.
type ContextSnapshot struct {
	Inputs   map[string]any `json:"inputs,omitempty"`
	Env      map[string]any `json:"env,omitempty"`
	Workflow map[string]any `json:"workflow,omitempty"`
	Steps    map[string]any `json:"steps,omitempty"`
	Results  []StepResult   `json:"results,omitempty"`
	NextStep int            `json:"next_step"`
}

// RestoreRunContext rebuilds a RunContext from a checkpoint snapshot.
func RestoreRunContext(runID string, def *schema.WorkflowDefinition, snap *ContextSnapshot) *RunContext {
	rc := &RunContext{
		RunID:   runID,
		Def:     def,
		Inputs:  snap.Inputs,
		Scope:   expressions.Restore(snap.Inputs, snap.Env, snap.Workflow, snap.Steps),
		Started: time.Now(),
	}
	rc.results = copyResults(snap.Results)
	return rc
}

func copyResults(results []StepResult) []StepResult {
	if len(results) == 0 {
		return nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		out := make([]StepResult, len(results))
		copy(out, results)
		return out
	}
	var out []StepResult
	if err := json.Unmarshal(b, &out); err != nil {
		out = make([]StepResult, len(results))
		copy(out, results)
	}
	return out
}

// RunResult is the terminal outcome of a run. Results always carries every
// recorded StepResult, including the failures and skips.
type RunResult struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Status   schema.RunStatus  `json:"status"`
	Results  []StepResult      `json:"results"`
	Outputs  map[string]any    `json:"outputs,omitempty"`
	Error    *schema.LoomError `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}
