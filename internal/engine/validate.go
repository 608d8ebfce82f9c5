package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

// runValidate runs the configured stages in order and, when any stage fails
// and a fixer is configured, dispatches the fixer agent with the findings and
// re-runs the full pipeline. Retry bounds the number of fix rounds, so the
// pipeline runs at most Retry+1 times. The stage-by-stage history is always
// returned, pass or fail.
func (it *Interpreter) runValidate(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, cfg config.EffectiveConfig) (outcome, error) {
	spec := step.Validate

	maxAttempts := 1
	if spec.Fixer != "" {
		maxAttempts += spec.Retry
	}

	var history []ValidateAttempt

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reports, failed, err := it.runStages(ctx, rctx, fr, step, attempt)
		record := ValidateAttempt{Attempt: attempt, Reports: reports}

		if err != nil {
			history = append(history, record)
			return outcome{attempts: attempt, validate: history}, err
		}

		if len(failed) == 0 {
			history = append(history, record)
			it.publish(ctx, rctx, step.Name, schema.EventValidateAttempt, map[string]any{
				"attempt": attempt,
				"passed":  true,
			})
			out, merr := json.Marshal(map[string]any{
				"passed":   true,
				"attempts": attempt,
				"history":  history,
			})
			if merr != nil {
				return outcome{attempts: attempt, validate: history}, merr
			}
			return outcome{output: out, attempts: attempt, validate: history}, nil
		}

		it.publish(ctx, rctx, step.Name, schema.EventValidateAttempt, map[string]any{
			"attempt": attempt,
			"passed":  false,
			"failed":  failed,
		})

		if attempt < maxAttempts {
			if err := it.runFixer(ctx, rctx, fr, step, cfg, reports); err != nil {
				history = append(history, record)
				return outcome{attempts: attempt, validate: history}, err
			}
			record.Fixed = true
		}
		history = append(history, record)
	}

	return outcome{attempts: maxAttempts, validate: history},
		schema.NewErrorf(schema.ErrCodeValidation,
			"validation did not pass after %d attempt(s)", maxAttempts).
			WithStep(step.Name).
			WithDetails(map[string]any{"stages": spec.Stages, "fixer": spec.Fixer})
}

// runStages executes one full pass over the pipeline. Every stage runs even
// after a failure so the fixer sees the complete picture.
func (it *Interpreter) runStages(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, attempt int) ([]ValidateStageRun, []string, error) {
	scopeData := expressions.ScopeData(fr.scope.Build())

	reports := make([]ValidateStageRun, 0, len(step.Validate.Stages))
	var failed []string

	for _, name := range step.Validate.Stages {
		if err := ctx.Err(); err != nil {
			return reports, failed, err
		}

		stage, err := it.registry.Stage(name)
		if err != nil {
			return reports, failed, err
		}

		report, err := stage.Run(ctx, scopeData)
		if err != nil {
			return reports, failed, schema.NewErrorf(schema.ErrCodeExecution,
				"validation stage %q could not run: %s", name, err.Error()).
				WithStep(step.Name).WithCause(err)
		}

		run := ValidateStageRun{Stage: name, Passed: report.Passed, Findings: report.Findings}
		reports = append(reports, run)
		if !report.Passed {
			failed = append(failed, name)
		}

		it.publish(ctx, rctx, step.Name, schema.EventValidateStage, map[string]any{
			"stage":    name,
			"attempt":  attempt,
			"passed":   report.Passed,
			"findings": report.Findings,
		})
	}

	return reports, failed, nil
}

// runFixer dispatches the configured fixer agent with the failed stages'
// findings. The fixer's job is to mutate the world the stages inspect; its
// textual output is not consumed.
func (it *Interpreter) runFixer(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, cfg config.EffectiveConfig, reports []ValidateStageRun) error {
	agent, err := it.registry.Agent(step.Validate.Fixer)
	if err != nil {
		return err
	}

	result, err := it.executor.Execute(ctx, &capability.ExecuteRequest{
		RunID:        rctx.RunID,
		StepName:     step.Name,
		Agent:        agent.Name,
		Prompt:       fixerPrompt(reports),
		Instructions: agent.Instructions,
		AllowedTools: agent.AllowedTools,
		Dir:          agent.Dir,
		Timeout:      cfg.Timeout,
		Config:       cfg.Provider,
	}, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"fixer %q failed: %s", step.Validate.Fixer, err.Error()).
			WithStep(step.Name).WithCause(err)
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "fixer reported failure"
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "fixer %q: %s", step.Validate.Fixer, msg).
			WithStep(step.Name)
	}
	return nil
}

func fixerPrompt(reports []ValidateStageRun) string {
	var b strings.Builder
	b.WriteString("The following validation stages failed. Fix the underlying issues.\n")
	for _, r := range reports {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\nStage %s:\n", r.Stage)
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	return b.String()
}
