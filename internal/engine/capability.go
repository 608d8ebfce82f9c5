package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"

	"github.com/loomworks/loom/internal/config"
)

// runAction resolves the step's arguments against the current scope and
// invokes the registered action.
func (it *Interpreter) runAction(ctx context.Context, fr *frame, step *schema.StepRecord) (json.RawMessage, error) {
	cfg := step.Action

	action, err := it.registry.Action(cfg.Name)
	if err != nil {
		return nil, err
	}

	scope := fr.scope.Build()
	args, err := it.interp.ResolveMap(cfg.With, scope)
	if err != nil {
		return nil, err
	}

	if err := action.Validate(args); err != nil {
		return nil, err
	}

	out, err := action.Execute(ctx, registry.ActionInput{
		Args:  args,
		Scope: expressions.ScopeData(scope),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Data, nil
}

// runCapability assembles the invocation from the agent spec and the step
// config, executes it through the StepExecutor boundary, and enforces the
// output schema. Executor sub-events are forwarded live into the progress
// stream and also returned so the step result retains them.
func (it *Interpreter) runCapability(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, cfg config.EffectiveConfig) (json.RawMessage, []capability.ExecEvent, error) {
	spec := step.Capability

	agent, err := it.registry.Agent(spec.Agent)
	if err != nil {
		return nil, nil, err
	}

	scope := fr.scope.Build()

	var contextPayload map[string]any
	if spec.Context != "" {
		builder, err := it.registry.ContextBuilder(spec.Context)
		if err != nil {
			return nil, nil, err
		}
		contextPayload, err = builder.Build(ctx, expressions.ScopeData(scope))
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeExecution,
				"context builder %q failed: %s", spec.Context, err.Error()).WithCause(err)
		}
	}

	prompt, err := it.assemblePrompt(agent, spec.Prompt, contextPayload, scope)
	if err != nil {
		return nil, nil, err
	}

	sink := capability.EventSinkFunc(func(ev capability.ExecEvent) {
		_ = it.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     rctx.RunID,
			StepName:  step.Name,
			EventType: schema.EventExecutorProgress,
			Payload: map[string]any{
				"type":    ev.Type,
				"message": ev.Message,
				"data":    ev.Data,
			},
		})
	})

	result, err := it.executor.Execute(ctx, &capability.ExecuteRequest{
		RunID:        rctx.RunID,
		StepName:     step.Name,
		Agent:        agent.Name,
		Prompt:       prompt,
		Instructions: agent.Instructions,
		AllowedTools: agent.AllowedTools,
		Dir:          agent.Dir,
		OutputSchema: spec.OutputSchema,
		Timeout:      cfg.Timeout,
		Config:       cfg.Provider,
	}, sink)
	if err != nil {
		return nil, nil, err
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "executor reported failure"
		}
		return nil, result.Events, schema.NewError(schema.ErrCodeExecution, msg).WithStep(step.Name)
	}

	output := result.Output
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	if err := it.outputCheck.Validate(step.Name, output, spec.OutputSchema); err != nil {
		return nil, result.Events, err
	}
	return output, result.Events, nil
}

// runGenerate performs a single-shot text production call: no retries, no
// streaming, no tools.
func (it *Interpreter) runGenerate(ctx context.Context, rctx *RunContext, fr *frame, step *schema.StepRecord, cfg config.EffectiveConfig) (json.RawMessage, error) {
	spec := step.Generate

	gen, err := it.registry.Generator(spec.Generator)
	if err != nil {
		return nil, err
	}

	scope := fr.scope.Build()
	genContext, err := it.interp.ResolveMap(spec.Context, scope)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(gen.Defaults)+len(genContext))
	for k, v := range gen.Defaults {
		merged[k] = v
	}
	for k, v := range genContext {
		merged[k] = v
	}

	prompt, err := it.renderTemplate(gen.PromptTemplate, merged, scope)
	if err != nil {
		return nil, err
	}

	result, err := it.executor.Generate(ctx, &capability.GenerateRequest{
		RunID:     rctx.RunID,
		StepName:  step.Name,
		Generator: gen.Name,
		Prompt:    prompt,
		Context:   merged,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "generator reported failure"
		}
		return nil, schema.NewError(schema.ErrCodeExecution, msg).WithStep(step.Name)
	}
	if len(result.Output) == 0 {
		return json.RawMessage("null"), nil
	}
	return result.Output, nil
}

// assemblePrompt composes the final prompt: the step's prompt (interpolated)
// when present, otherwise the agent's template rendered with the context
// payload.
func (it *Interpreter) assemblePrompt(agent *registry.AgentSpec, stepPrompt string, contextPayload map[string]any, scope *expressions.InterpolationScope) (string, error) {
	if stepPrompt != "" {
		resolved, err := it.interp.ResolveString(stepPrompt, scope)
		if err != nil {
			return "", err
		}
		return promptString(resolved), nil
	}
	return it.renderTemplate(agent.PromptTemplate, contextPayload, scope)
}

// renderTemplate interpolates a prompt template and appends the context
// payload as a JSON block when the template does not place it explicitly.
func (it *Interpreter) renderTemplate(template string, payload map[string]any, scope *expressions.InterpolationScope) (string, error) {
	resolved, err := it.interp.ResolveString(template, scope)
	if err != nil {
		return "", err
	}
	prompt := promptString(resolved)

	if len(payload) == 0 || strings.Contains(template, "{context}") {
		return strings.ReplaceAll(prompt, "{context}", encodeContext(payload)), nil
	}
	return prompt + "\n\nContext:\n" + encodeContext(payload), nil
}

func promptString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func encodeContext(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
