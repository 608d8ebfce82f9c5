package streaming

import "context"

// StreamEvent is a real-time progress event emitted during a workflow run.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	StepName  string `json:"step_name,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive. Zero
// fields match everything; set fields narrow by run, step and event type.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	StepName   string   `json:"step_name,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run progress events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
