// Package capability defines the provider boundary for capability and
// generate steps. The engine depends only on the interfaces here; concrete
// adapters (HTTP backends, local processes) live behind them and are wired
// at startup.
package capability

import (
	"context"
	"encoding/json"
	"time"
)

// StepExecutor executes a capability invocation. Implementations own prompt
// delivery, tool brokering, and streaming; the engine owns retries, timeouts
// and output-schema enforcement.
type StepExecutor interface {
	// Execute runs one capability invocation to completion. Sub-events may be
	// delivered through the sink while the invocation is live; the sink may
	// be nil when the caller does not want progress.
	Execute(ctx context.Context, req *ExecuteRequest, sink EventSink) (*ExecutorResult, error)

	// Generate runs a single-shot, tool-less text production call. No
	// retries, no streaming.
	Generate(ctx context.Context, req *GenerateRequest) (*ExecutorResult, error)
}

// EventSink receives live sub-events from an executor. Implementations must
// not block; slow consumers drop events rather than stall the invocation.
type EventSink interface {
	Emit(event ExecEvent)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event ExecEvent)

func (f EventSinkFunc) Emit(event ExecEvent) { f(event) }

// ExecuteRequest carries everything an executor needs for one invocation.
type ExecuteRequest struct {
	RunID    string `json:"run_id"`
	StepName string `json:"step_name"`

	// Agent is the registered agent identifier the backend should assume.
	Agent string `json:"agent"`

	// Prompt is the fully assembled, already-interpolated prompt.
	Prompt string `json:"prompt"`

	// Instructions are the agent's standing instructions from its spec.
	Instructions string `json:"instructions,omitempty"`

	// AllowedTools restricts the tool surface for this invocation.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// Dir is the working directory for tool use, when the backend supports one.
	Dir string `json:"dir,omitempty"`

	// OutputSchema, when present, is the JSON Schema the final output must
	// satisfy. Executors may forward it to the backend for constrained
	// generation; the engine validates regardless.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Timeout is the effective per-invocation deadline.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Config carries provider-specific knobs from the effective step config.
	Config map[string]any `json:"config,omitempty"`
}

// GenerateRequest is the reduced request for generate steps.
type GenerateRequest struct {
	RunID     string         `json:"run_id"`
	StepName  string         `json:"step_name"`
	Generator string         `json:"generator"`
	Prompt    string         `json:"prompt"`
	Context   map[string]any `json:"context,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// ExecutorResult is the settled outcome of one invocation.
type ExecutorResult struct {
	// Output is the raw final output. For schema-constrained invocations it
	// must be JSON; otherwise it may be plain text wrapped as a JSON string.
	Output json.RawMessage `json:"output"`

	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	Usage Usage `json:"usage"`

	// Events are the sub-events collected during the invocation, in emission
	// order. They are forwarded live through the sink as they happen and
	// returned here so the settled result is self-contained.
	Events []ExecEvent `json:"events,omitempty"`
}

// Usage records resource consumption for one invocation.
type Usage struct {
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// ExecEvent is one live sub-event from an executor, forwarded into the run's
// progress stream.
type ExecEvent struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
