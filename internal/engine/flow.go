package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// maxSubWorkflowDepth bounds nested subworkflow recursion.
const maxSubWorkflowDepth = 16

type depthKey struct{}

// runBranch evaluates the condition and executes exactly one arm. The
// untaken arm's steps are recorded as skipped, not omitted, so the result
// list always accounts for every declared step.
func (it *Interpreter) runBranch(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord) (json.RawMessage, error) {
	cfg := step.Branch
	scope := fr.scope.Build()

	taken, err := it.cel.EvaluateBool(ctx, cfg.Condition, expressions.ScopeData(scope))
	if err != nil {
		return nil, err
	}

	arm := "then"
	run, skip := cfg.Then, cfg.Else
	if !taken {
		arm = "else"
		run, skip = cfg.Else, cfg.Then
	}

	it.publish(ctx, rctx, step.Name, schema.EventBranchEvaluated, map[string]any{
		"condition": cfg.Condition,
		"taken":     arm,
	})

	for i := range skip {
		it.recordSkip(ctx, rctx, fr, &skip[i], fmt.Sprintf("branch %s took the %s arm", step.Name, arm))
	}

	// The taken arm runs in the parent frame: its outputs join the shared
	// scope like any sequential step's.
	if err := it.executeSteps(ctx, rctx, fr, run); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"taken": arm})
}

// runLoop iterates the body over a CEL-produced iterable or a fixed count.
// Each iteration gets an isolated child scope seeded from the pre-loop
// state plus that iteration's loop variables. A zero-iteration loop
// succeeds with no body results.
func (it *Interpreter) runLoop(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord) (json.RawMessage, error) {
	cfg := step.Loop

	items, err := it.loopItems(ctx, fr, step)
	if err != nil {
		return nil, err
	}

	iterations := 0
	truncated := false
	var collected []map[string]any

	for idx, item := range items {
		if cfg.MaxIterations > 0 && iterations >= cfg.MaxIterations {
			truncated = true
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		iterScope := fr.scope.ForParallelBranch().WithLoopVars(item, idx)
		iterFrame := &frame{scope: iterScope, record: fr.record}

		it.publish(ctx, rctx, step.Name, schema.EventLoopIteration, map[string]any{
			"index": idx,
		})

		before := fr.scope.StepOutputs()
		if err := it.executeSteps(ctx, rctx, iterFrame, cfg.Body); err != nil {
			return nil, err
		}
		iterations++

		collected = append(collected, iterationOutputs(before, iterScope.StepOutputs()))

		if cfg.Break != "" {
			stop, err := it.cel.EvaluateBool(ctx, cfg.Break, expressions.ScopeData(iterScope.Build()))
			if err != nil {
				return nil, err
			}
			if stop {
				break
			}
		}
	}

	it.publish(ctx, rctx, step.Name, schema.EventLoopCompleted, map[string]any{
		"iterations": iterations,
		"truncated":  truncated,
	})

	return json.Marshal(map[string]any{
		"iterations": iterations,
		"truncated":  truncated,
		"results":    collected,
	})
}

// loopItems materializes the iteration values: the CEL iterable for `over`,
// or the index sequence for `count`.
func (it *Interpreter) loopItems(ctx context.Context, fr *frame, step *schema.StepRecord) ([]any, error) {
	cfg := step.Loop

	if cfg.Over == "" {
		items := make([]any, cfg.Count)
		for i := range items {
			items[i] = i
		}
		return items, nil
	}

	v, err := it.cel.Evaluate(ctx, cfg.Over, expressions.ScopeData(fr.scope.Build()))
	if err != nil {
		return nil, err
	}
	items, ok := toAnySlice(v)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"loop 'over' expression %q must produce a list, got %T", cfg.Over, v).
			WithStep(step.Name)
	}
	return items, nil
}

// toAnySlice normalizes the value shapes CEL hands back for list results.
func toAnySlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

// iterationOutputs extracts the body-step outputs one iteration produced,
// excluding everything already visible before the loop.
func iterationOutputs(before, after map[string]any) map[string]any {
	out := make(map[string]any)
	for name, v := range after {
		if _, existed := before[name]; !existed {
			out[name] = v
		}
	}
	return out
}

// resultBuffer collects a parallel branch's results until settlement.
type resultBuffer struct {
	mu      sync.Mutex
	results []StepResult
}

func (b *resultBuffer) append(r StepResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, r)
}

func (b *resultBuffer) drain() []StepResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.results
	b.results = nil
	return out
}

// runParallel fans the branches out on a bounded branch pool. Each branch
// runs against an isolated scope snapshot and buffers its results, which
// are published to the parent only when the branch settles. Under the
// default wait_all policy the step fails only after every branch settles,
// with all branch errors collected; cancel_siblings cancels remaining
// branches on the first failure.
func (it *Interpreter) runParallel(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, cfg config.EffectiveConfig) (json.RawMessage, error) {
	pcfg := step.Parallel

	policy := pcfg.OnFailure
	if policy == "" {
		policy = cfg.ParallelPolicy
	}
	if policy == "" {
		policy = schema.FailureWaitAll
	}

	it.publish(ctx, rctx, step.Name, schema.EventParallelStarted, map[string]any{
		"branches": len(pcfg.Branches),
		"policy":   string(policy),
	})

	pool := NewBranchPool(cfg.MaxConcurrency)
	defer pool.Shutdown()

	parallelCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var mu sync.Mutex
	statuses := make(map[string]string, len(pcfg.Branches))
	errs := make(map[string]string)
	scopes := make([]*expressions.ScopeBuilder, 0, len(pcfg.Branches))

	for i := range pcfg.Branches {
		branch := pcfg.Branches[i]
		branchScope := fr.scope.ForParallelBranch()
		buf := &resultBuffer{}

		submitErr := pool.Go(parallelCtx, branch.Name, func(bctx context.Context) error {
			brFrame := &frame{scope: branchScope, record: buf.append}
			err := it.runBranchSteps(bctx, rctx, brFrame, branch.Steps)

			// Settlement: publish the branch's buffered results and
			// status atomically with respect to sibling settlements.
			mu.Lock()
			for _, r := range buf.drain() {
				fr.record(r)
			}
			if err != nil {
				statuses[branch.Name] = "failed"
				errs[branch.Name] = err.Error()
			} else {
				statuses[branch.Name] = "succeeded"
				scopes = append(scopes, branchScope)
			}
			mu.Unlock()

			if err != nil && policy == schema.FailureCancelSiblings {
				cancelAll()
			}
			return err
		})
		if submitErr != nil {
			mu.Lock()
			statuses[branch.Name] = "failed"
			errs[branch.Name] = submitErr.Error()
			mu.Unlock()
		}
	}

	outcomes := pool.Wait()

	// Any branch missing from the settlement record failed without reaching
	// the settlement block above; the pool keeps its outcome.
	for i := range pcfg.Branches {
		name := pcfg.Branches[i].Name
		if _, settled := statuses[name]; settled {
			continue
		}
		statuses[name] = "failed"
		if err := outcomes[name]; err != nil {
			errs[name] = err.Error()
		} else {
			errs[name] = "branch did not settle"
		}
	}

	// Successful branch outputs join the parent scope even when a sibling
	// failed: partial results are preserved.
	for _, s := range scopes {
		fr.scope.MergeBranchOutputs(s)
	}

	it.publish(ctx, rctx, step.Name, schema.EventParallelSettled, map[string]any{
		"statuses": statuses,
	})

	if len(errs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"%d of %d parallel branches failed", len(errs), len(pcfg.Branches)).
			WithStep(step.Name).
			WithDetails(map[string]any{"branch_errors": errs, "policy": string(policy)})
	}

	return json.Marshal(map[string]any{"branches": statuses})
}

// runBranchSteps executes one parallel branch's step list, converting a
// panic anywhere in the branch into a step error so the branch still
// settles and sibling cancellation still applies.
func (it *Interpreter) runBranchSteps(ctx context.Context, rctx *RunContext, fr *frame, steps []schema.StepRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "branch panicked: %v", r)
		}
	}()
	return it.executeSteps(ctx, rctx, fr, steps)
}

// runSubWorkflow executes a registered workflow in a nested interpreter run
// with its own context; the child's outputs fold under the step name.
func (it *Interpreter) runSubWorkflow(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord) (json.RawMessage, error) {
	cfg := step.SubWorkflow

	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxSubWorkflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"subworkflow nesting exceeds %d levels", maxSubWorkflowDepth).WithStep(step.Name)
	}

	child, err := it.registry.Workflow(cfg.Workflow)
	if err != nil {
		return nil, err
	}

	inputs, err := it.interp.ResolveMap(cfg.Inputs, fr.scope.Build())
	if err != nil {
		return nil, err
	}

	childCtx := context.WithValue(ctx, depthKey{}, depth+1)
	result, err := it.Run(childCtx, child, inputs)
	if err != nil {
		return nil, err
	}
	if result.Status != schema.RunStatusCompleted {
		lerr := result.Error
		if lerr == nil {
			lerr = schema.NewErrorf(schema.ErrCodeExecution, "subworkflow %s ended with status %s", cfg.Workflow, result.Status)
		}
		return nil, lerr
	}

	return json.Marshal(map[string]any{
		"run_id":  result.RunID,
		"status":  string(result.Status),
		"outputs": result.Outputs,
	})
}
