// Package registry holds the typed component tables a workflow definition
// refers to by name: actions, agents, generators, context builders,
// validation stages and workflows. Registration happens at startup; the
// static validator checks every definition reference against these tables
// before a run starts, so a lookup miss at run time is an engine bug.
package registry

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work within an action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(args map[string]any) error
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Args are
// the step's already-interpolated `with` arguments; Scope exposes the run
// namespaces for actions that evaluate expressions themselves.
type ActionInput struct {
	Args  map[string]any `json:"args"`
	Scope map[string]any `json:"scope,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentSpec describes a registered agent for capability steps. The engine
// assembles the invocation from this spec plus the step's config; the
// executor backend interprets the agent identifier.
type AgentSpec struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	Dir            string   `json:"dir,omitempty"`
	PromptTemplate string   `json:"prompt_template,omitempty"`
}

// GeneratorSpec describes a registered generator for generate steps.
type GeneratorSpec struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	PromptTemplate string         `json:"prompt_template"`
	Defaults       map[string]any `json:"defaults,omitempty"`
}

// ContextBuilder assembles the context payload for a capability invocation
// from the run's current scope.
type ContextBuilder interface {
	Name() string
	Build(ctx context.Context, scope map[string]any) (map[string]any, error)
}

// ContextBuilderFunc adapts a function to the ContextBuilder interface.
type ContextBuilderFunc struct {
	BuilderName string
	Fn          func(ctx context.Context, scope map[string]any) (map[string]any, error)
}

func (f ContextBuilderFunc) Name() string { return f.BuilderName }

func (f ContextBuilderFunc) Build(ctx context.Context, scope map[string]any) (map[string]any, error) {
	return f.Fn(ctx, scope)
}

// ValidationStage is one named check a validate step can run. Run returns a
// report rather than an error when the check itself completes but the
// subject fails it; errors are reserved for the stage being unable to run.
type ValidationStage interface {
	Name() string
	Run(ctx context.Context, scope map[string]any) (*StageReport, error)
}

// StageReport is the outcome of one validation stage execution.
type StageReport struct {
	Stage    string   `json:"stage"`
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
}
