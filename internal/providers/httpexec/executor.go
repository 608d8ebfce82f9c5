// Package httpexec adapts a remote execution service to the StepExecutor
// boundary. Invocations are delivered as JSON over HTTP; the engine stays
// unaware of the transport.
package httpexec

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loomworks/loom/pkg/capability"
	"github.com/loomworks/loom/pkg/schema"
)

const (
	executePath  = "/v1/execute"
	generatePath = "/v1/generate"

	defaultTimeout    = 5 * time.Minute
	defaultRetryCount = 2
	defaultRetryWait  = 500 * time.Millisecond
)

// Options configures the HTTP executor.
type Options struct {
	// BaseURL is the root of the execution service, e.g. "http://localhost:7070".
	BaseURL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Timeout bounds an invocation when the request carries no deadline of
	// its own.
	Timeout time.Duration

	// RetryCount and RetryWait govern transport-level retries for
	// connection failures and 5xx responses.
	RetryCount int
	RetryWait  time.Duration
}

// Executor is a capability.StepExecutor backed by a remote HTTP service.
type Executor struct {
	client  *resty.Client
	timeout time.Duration
}

// New creates an Executor for the given service.
func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = defaultRetryCount
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}

	return &Executor{client: client, timeout: opts.Timeout}
}

// wireResult is the service's response envelope. Events are sub-events the
// backend collected during the invocation, replayed into the sink on return.
type wireResult struct {
	Output  json.RawMessage `json:"output"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Usage   struct {
		InputTokens  int   `json:"input_tokens,omitempty"`
		OutputTokens int   `json:"output_tokens,omitempty"`
		DurationMS   int64 `json:"duration_ms,omitempty"`
	} `json:"usage"`
	Events []capability.ExecEvent `json:"events,omitempty"`
}

// Execute delivers one capability invocation and replays the backend's
// sub-events into the sink.
func (e *Executor) Execute(ctx context.Context, req *capability.ExecuteRequest, sink capability.EventSink) (*capability.ExecutorResult, error) {
	wire, err := e.post(ctx, executePath, req, req.Timeout)
	if err != nil {
		return nil, err
	}

	if sink != nil {
		for _, event := range wire.Events {
			sink.Emit(event)
		}
	}
	return toResult(wire), nil
}

// Generate delivers a single-shot text production call.
func (e *Executor) Generate(ctx context.Context, req *capability.GenerateRequest) (*capability.ExecutorResult, error) {
	wire, err := e.post(ctx, generatePath, req, req.Timeout)
	if err != nil {
		return nil, err
	}
	return toResult(wire), nil
}

func (e *Executor) post(ctx context.Context, path string, body any, timeout time.Duration) (*wireResult, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wire wireResult
	resp, err := e.client.R().
		SetContext(reqCtx).
		SetBody(body).
		SetResult(&wire).
		Post(path)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"executor call %s exceeded %s", path, timeout).WithCause(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "executor call cancelled").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"executor call %s failed", path).WithCause(err)
	}

	if resp.IsError() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"executor returned %s for %s", resp.Status(), path).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode(),
				"body":        string(resp.Body()),
			})
	}

	return &wire, nil
}

func toResult(wire *wireResult) *capability.ExecutorResult {
	return &capability.ExecutorResult{
		Output:  wire.Output,
		Success: wire.Success,
		Message: wire.Message,
		Usage: capability.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			Duration:     time.Duration(wire.Usage.DurationMS) * time.Millisecond,
		},
		Events: wire.Events,
	}
}
