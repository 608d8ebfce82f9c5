// Package engine implements the workflow interpreter: the run loop, the
// per-type step handlers, retry and backoff, checkpoint capture and resume.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

// Deps bundles the collaborators an Interpreter needs. Registry and Executor
// are required; the rest default to no-op or in-memory implementations.
type Deps struct {
	Registry *registry.Registry
	Executor capability.StepExecutor
	Resolver *config.Resolver
	Store    store.RunStore
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Interpreter executes validated workflow definitions. Safe for concurrent
// use; each run gets its own RunContext.
type Interpreter struct {
	registry  *registry.Registry
	executor  capability.StepExecutor
	resolver  *config.Resolver
	store     store.RunStore
	hub       streaming.EventHub
	logger    *slog.Logger
	validator *validation.WorkflowValidator

	interp      *expressions.Interpolator
	cel         *expressions.CELEngine
	expr        *expressions.ExprEngine
	outputCheck *capability.OutputValidator
}

// NewInterpreter wires an Interpreter from its dependencies.
func NewInterpreter(deps Deps) (*Interpreter, error) {
	if deps.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "interpreter requires a registry")
	}
	if deps.Executor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "interpreter requires a step executor")
	}
	if deps.Resolver == nil {
		deps.Resolver = config.NewResolver(config.Overrides{})
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(logging.NewCorrelationHandler(slog.NewJSONHandler(os.Stderr, nil)))
	}

	validator, err := validation.NewWorkflowValidator(deps.Registry)
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Interpreter{
		registry:    deps.Registry,
		executor:    deps.Executor,
		resolver:    deps.Resolver,
		store:       deps.Store,
		hub:         deps.Hub,
		logger:      deps.Logger,
		validator:   validator,
		interp:      expressions.NewInterpolator(),
		cel:         cel,
		expr:        expressions.NewExprEngine(),
		outputCheck: capability.NewOutputValidator(),
	}, nil
}

// Validator exposes the interpreter's validation pipeline for pre-flight
// checks without starting a run.
func (it *Interpreter) Validator() *validation.WorkflowValidator {
	return it.validator
}

// Run validates the definition, resolves inputs, and executes every step in
// declaration order. The returned RunResult always carries every recorded
// StepResult, whatever the terminal status.
func (it *Interpreter) Run(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*RunResult, error) {
	if result := it.validator.Validate(def); !result.Valid() {
		return nil, result.ToError()
	}

	resolved, err := validation.ResolveInputs(def, inputs)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	rctx := NewRunContext(runID, def, resolved, captureEnv())
	return it.execute(ctx, rctx, 0)
}

// Resume loads a checkpoint and continues the run from its next-step index.
// The definition must match the checkpoint's workflow name and version;
// anything else is a fatal CHECKPOINT_MISMATCH.
func (it *Interpreter) Resume(ctx context.Context, checkpointID string, def *schema.WorkflowDefinition) (*RunResult, error) {
	cp, err := it.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	if cp.Workflow != def.Name || cp.Version != def.Version {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointMismatch,
			"checkpoint %s belongs to workflow %s@%s, not %s@%s",
			cp.ID, cp.Workflow, cp.Version, def.Name, def.Version).
			WithDetails(map[string]any{
				"checkpoint_workflow": cp.Workflow,
				"checkpoint_version":  cp.Version,
			})
	}

	if result := it.validator.Validate(def); !result.Valid() {
		return nil, result.ToError()
	}

	// A completed run is final; only failed or cancelled runs resume.
	if run, err := it.store.GetRun(ctx, cp.RunID); err == nil {
		if err := GuardTransition(run.ID, run.Status, schema.RunStatusRunning); err != nil {
			return nil, err
		}
	}

	var snap ContextSnapshot
	if err := json.Unmarshal(cp.Snapshot, &snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "cannot decode checkpoint snapshot").
			WithCause(err)
	}

	rctx := RestoreRunContext(cp.RunID, def, &snap)
	it.publish(ctx, rctx, "", schema.EventRunResumed, map[string]any{
		"checkpoint_id": cp.ID,
		"next_step":     snap.NextStep,
	})
	return it.execute(ctx, rctx, snap.NextStep)
}

// execute runs the top-level step list starting at index start.
func (it *Interpreter) execute(ctx context.Context, rctx *RunContext, start int) (*RunResult, error) {
	ctx = logging.WithIDs(ctx, rctx.RunID, "", rctx.Def.Name)
	log := logging.LogWith(ctx, it.logger)

	it.persistRunStart(ctx, rctx, start)
	it.publish(ctx, rctx, "", schema.EventRunStarted, map[string]any{
		"workflow": rctx.Def.Name,
		"version":  rctx.Def.Version,
	})
	log.InfoContext(ctx, "run started", slog.Int("steps", len(rctx.Def.Steps)), slog.Int("from", start))

	fr := rootFrame(rctx)

	var runErr *schema.LoomError
	for i := start; i < len(rctx.Def.Steps); i++ {
		step := &rctx.Def.Steps[i]

		if err := ctx.Err(); err != nil {
			runErr = it.handleCancellation(rctx, err)
			break
		}

		if err := it.executeStep(ctx, rctx, fr, step, i); err != nil {
			if errors.Is(err, context.Canceled) {
				runErr = it.handleCancellation(rctx, err)
				break
			}
			runErr = asLoomError(err).WithStep(step.Name)
			break
		}
	}

	return it.finalize(ctx, rctx, runErr)
}

// finalize settles the run: rollback on cancellation, terminal event, store
// update, RunResult assembly.
func (it *Interpreter) finalize(ctx context.Context, rctx *RunContext, runErr *schema.LoomError) (*RunResult, error) {
	status := schema.RunStatusCompleted
	event := schema.EventRunCompleted

	if runErr != nil {
		status = schema.RunStatusFailed
		event = schema.EventRunFailed
		if runErr.Code == schema.ErrCodeCancelled {
			status = schema.RunStatusCancelled
			event = schema.EventRunCancelled
			it.runRollbacks(rctx)
		}
	}

	result := &RunResult{
		RunID:    rctx.RunID,
		Workflow: rctx.Def.Name,
		Status:   status,
		Results:  rctx.Results(),
		Outputs:  rctx.Scope.StepOutputs(),
		Error:    runErr,
		Duration: time.Since(rctx.Started),
	}

	it.persistRunEnd(ctx, rctx, result)
	it.publish(ctx, rctx, "", event, map[string]any{
		"status":      string(status),
		"step_count":  len(result.Results),
		"duration_ms": result.Duration.Milliseconds(),
	})
	logging.LogWith(ctx, it.logger).InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.Int("results", len(result.Results)))

	return result, nil
}

// handleCancellation converts a context error into the run's terminal error.
func (it *Interpreter) handleCancellation(rctx *RunContext, err error) *schema.LoomError {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
}

// runRollbacks executes recorded compensations in reverse completion order.
// Rollbacks run on a detached context: the run context is already dead.
func (it *Interpreter) runRollbacks(rctx *RunContext) {
	entries := rctx.Rollbacks()
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logging.WithIDs(ctx, rctx.RunID, "", rctx.Def.Name)
	log := logging.LogWith(ctx, it.logger)

	scope := rctx.Scope.Build()
	for _, entry := range entries {
		it.publish(ctx, rctx, entry.stepName, schema.EventRollbackRun, map[string]any{
			"action": entry.spec.Action,
		})

		action, err := it.registry.Action(entry.spec.Action)
		if err != nil {
			log.ErrorContext(ctx, "rollback action missing", slog.String("action", entry.spec.Action))
			continue
		}

		args, err := it.interp.ResolveMap(entry.spec.With, scope)
		if err != nil {
			log.ErrorContext(ctx, "rollback interpolation failed",
				slog.String("action", entry.spec.Action), slog.String("error", err.Error()))
			continue
		}

		if _, err := action.Execute(ctx, registry.ActionInput{
			Args:  args,
			Scope: expressions.ScopeData(scope),
		}); err != nil {
			log.ErrorContext(ctx, "rollback action failed",
				slog.String("action", entry.spec.Action), slog.String("error", err.Error()))
		}
	}
}

// frame is the execution context of one step list: which scope its steps
// read and write, and where their results land. The root frame points at
// the RunContext directly; nested frames (loop iterations, parallel
// branches) isolate scope or buffer results until settlement.
type frame struct {
	scope  *expressions.ScopeBuilder
	record func(StepResult)
}

func rootFrame(rctx *RunContext) *frame {
	return &frame{scope: rctx.Scope, record: rctx.Record}
}

// executeSteps runs a nested step list sequentially within a frame.
func (it *Interpreter) executeSteps(ctx context.Context, rctx *RunContext, fr *frame, steps []schema.StepRecord) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.executeStep(ctx, rctx, fr, &steps[i], -1); err != nil {
			return err
		}
	}
	return nil
}

// executeStep runs one step through the dispatch pipeline: guard, config
// resolution, type handler, result recording, event emission.
func (it *Interpreter) executeStep(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, index int) error {
	ctx = logging.WithStepName(ctx, step.Name)
	log := logging.LogWith(ctx, it.logger)

	scope := fr.scope.Build()

	if step.When != "" {
		take, err := it.expr.EvaluateBool(ctx, step.When, expressions.ScopeData(scope))
		if err != nil {
			return err
		}
		if !take {
			it.recordSkip(ctx, rctx, fr, step, "guard evaluated to false")
			return nil
		}
	}

	cfg, err := it.resolver.Resolve(step)
	if err != nil {
		return err
	}

	it.publish(ctx, rctx, step.Name, schema.EventStepStarted, map[string]any{
		"type": string(step.Type),
	})
	log.InfoContext(ctx, "step started", slog.String("type", string(step.Type)))

	started := time.Now()
	result := StepResult{
		Name:      step.Name,
		Type:      step.Type,
		StartedAt: started,
		Attempts:  1,
	}

	outcome, stepErr := it.dispatch(ctx, rctx, fr, step, index, cfg)
	result.FinishedAt = time.Now()
	result.DurationMS = result.FinishedAt.Sub(started).Milliseconds()
	if outcome.attempts > 0 {
		result.Attempts = outcome.attempts
	}
	result.ValidateAttempts = outcome.validate
	result.ExecutorEvents = outcome.execEvents

	if stepErr != nil {
		result.Status = schema.StepStatusFailed
		result.Error = asLoomError(stepErr).WithStep(step.Name)
		fr.record(result)
		it.publish(ctx, rctx, step.Name, schema.EventStepFailed, map[string]any{
			"error":    result.Error.Message,
			"code":     result.Error.Code,
			"attempts": result.Attempts,
		})
		log.ErrorContext(ctx, "step failed",
			slog.String("code", result.Error.Code),
			slog.Int("attempts", result.Attempts))
		return stepErr
	}

	result.Status = schema.StepStatusSucceeded
	result.Output = outcome.output
	if err := fr.scope.AddStepOutput(step.Name, outcome.output); err != nil {
		return err
	}
	fr.record(result)
	rctx.PushRollback(step.Name, step.Rollback)

	it.publish(ctx, rctx, step.Name, schema.EventStepCompleted, map[string]any{
		"duration_ms": result.DurationMS,
		"attempts":    result.Attempts,
	})
	log.InfoContext(ctx, "step completed", slog.Int64("duration_ms", result.DurationMS))
	return nil
}

// outcome is what a step handler hands back to the dispatch pipeline.
type outcome struct {
	output     json.RawMessage
	attempts   int
	validate   []ValidateAttempt
	execEvents []capability.ExecEvent
}

// dispatch routes a step to its type handler.
func (it *Interpreter) dispatch(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, index int, cfg config.EffectiveConfig) (outcome, error) {
	switch step.Type {
	case schema.StepTypeAction:
		return it.runWithRetries(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
			return it.runAction(ctx, fr, step)
		})
	case schema.StepTypeCapability:
		var events []capability.ExecEvent
		out, err := it.runWithRetries(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
			output, evs, rerr := it.runCapability(ctx, rctx, fr, step, cfg)
			events = evs
			return output, rerr
		})
		out.execEvents = events
		return out, err
	case schema.StepTypeGenerate:
		// Single-shot by contract: no retries, no streaming.
		gctx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		out, err := it.runGenerate(gctx, rctx, fr, step, cfg)
		return outcome{output: out, attempts: 1}, err
	case schema.StepTypeValidate:
		return it.runValidate(ctx, rctx, fr, step, cfg)
	case schema.StepTypeBranch:
		out, err := it.runBranch(ctx, rctx, fr, step)
		return outcome{output: out, attempts: 1}, err
	case schema.StepTypeLoop:
		out, err := it.runLoop(ctx, rctx, fr, step)
		return outcome{output: out, attempts: 1}, err
	case schema.StepTypeParallel:
		out, err := it.runParallel(ctx, rctx, fr, step, cfg)
		return outcome{output: out, attempts: 1}, err
	case schema.StepTypeSubWorkflow:
		out, err := it.runSubWorkflow(ctx, rctx, fr, step)
		return outcome{output: out, attempts: 1}, err
	case schema.StepTypeCheckpoint:
		out, err := it.runCheckpoint(ctx, rctx, step, index)
		return outcome{output: out, attempts: 1}, err
	default:
		return outcome{attempts: 1}, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

// runWithRetries executes an attempt function under the effective retry
// policy. Each attempt gets its own deadline; backoff respects cancellation.
// Non-retryable errors surface immediately with the attempt count that
// produced them.
func (it *Interpreter) runWithRetries(ctx context.Context, cfg config.EffectiveConfig, attempt func(ctx context.Context) (json.RawMessage, error)) (outcome, error) {
	var lastErr error
	attempts := 0

	for n := 0; n <= cfg.MaxRetries; n++ {
		attempts = n + 1

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		out, err := attempt(attemptCtx)
		cancel()

		if err == nil {
			return outcome{output: out, attempts: attempts}, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return outcome{attempts: attempts}, err
		}
		if n == cfg.MaxRetries {
			break
		}
		if waitErr := WaitForBackoff(ctx, ComputeBackoff(cfg, n)); waitErr != nil {
			return outcome{attempts: attempts},
				schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(waitErr)
		}
	}

	if cfg.MaxRetries == 0 {
		return outcome{attempts: attempts}, lastErr
	}
	return outcome{attempts: attempts}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step failed after %d attempts: %s", attempts, lastErr.Error()).WithCause(lastErr)
}

// recordSkip records a step (and, for flow steps, its whole subtree) as
// skipped.
func (it *Interpreter) recordSkip(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, reason string) {
	fr.record(StepResult{
		Name:   step.Name,
		Type:   step.Type,
		Status: schema.StepStatusSkipped,
		Output: json.RawMessage(`{"skipped":true}`),
	})
	it.publish(ctx, rctx, step.Name, schema.EventStepSkipped, map[string]any{"reason": reason})

	for _, sub := range step.SubSteps() {
		for i := range sub {
			it.recordSkip(ctx, rctx, fr, &sub[i], reason)
		}
	}
}

// publish emits a progress event to the hub and appends it to the run's
// event log. Event delivery must never fail a run; errors are logged.
func (it *Interpreter) publish(ctx context.Context, rctx *RunContext, stepName, eventType string, payload map[string]any) {
	event := streaming.StreamEvent{
		RunID:     rctx.RunID,
		StepName:  stepName,
		EventType: eventType,
		Payload:   payload,
	}
	if err := it.hub.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		it.logger.WarnContext(ctx, "event publish failed", slog.String("event", eventType), slog.String("error", err.Error()))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	if err := it.store.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		RunID:     rctx.RunID,
		StepName:  stepName,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now(),
	}); err != nil {
		it.logger.WarnContext(ctx, "event append failed", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func (it *Interpreter) persistRunStart(ctx context.Context, rctx *RunContext, start int) {
	now := time.Now()
	run := &store.Run{
		ID:        rctx.RunID,
		Workflow:  rctx.Def.Name,
		Version:   rctx.Def.Version,
		Status:    schema.RunStatusRunning,
		Inputs:    rctx.Inputs,
		CreatedAt: now,
		StartedAt: &now,
		UpdatedAt: now,
	}
	if err := it.store.CreateRun(ctx, run); err != nil {
		if start > 0 {
			// Resume path: the run row already exists.
			status := schema.RunStatusRunning
			_ = it.store.UpdateRun(ctx, rctx.RunID, store.RunUpdate{Status: &status})
			return
		}
		it.logger.WarnContext(ctx, "run persist failed", slog.String("error", err.Error()))
	}
}

func (it *Interpreter) persistRunEnd(ctx context.Context, rctx *RunContext, result *RunResult) {
	now := time.Now()
	update := store.RunUpdate{
		Status:      &result.Status,
		CompletedAt: &now,
	}
	if out, err := json.Marshal(result.Outputs); err == nil {
		update.Output = out
	}
	if result.Error != nil {
		if b, err := json.Marshal(result.Error); err == nil {
			update.Error = b
		}
	}
	if err := it.store.UpdateRun(context.WithoutCancel(ctx), rctx.RunID, update); err != nil {
		it.logger.WarnContext(ctx, "run update failed", slog.String("error", err.Error()))
	}
}

// captureEnv snapshots the process environment for the env namespace once
// per run, so interpolation stays stable across the run's lifetime.
func captureEnv() map[string]any {
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// asLoomError coerces any error into a LoomError, classifying untyped
// errors as execution failures.
func asLoomError(err error) *schema.LoomError {
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return lerr
	}
	var outErr *capability.OutputValidationError
	if errors.As(err, &outErr) {
		return schema.NewError(schema.ErrCodeOutputValidation, outErr.Error()).
			WithDetails(map[string]any{"violations": outErr.Violations}).
			WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "step timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "cancelled").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
