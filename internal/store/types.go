package store

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID          string           `json:"id"`
	Workflow    string           `json:"workflow"`
	Version     string           `json:"version"`
	Status      schema.RunStatus `json:"status"`
	Inputs      map[string]any   `json:"inputs,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Checkpoint is a persisted resume point: the deep-copied run state plus the
// index of the next top-level step.
type Checkpoint struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Workflow  string          `json:"workflow"`
	Version   string          `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	NextStep  int             `json:"next_step"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an immutable entry in the per-run event log. Sequence is assigned
// on append and is strictly increasing within a run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered run of a registered workflow.
type ScheduledJob struct {
	ID            string          `json:"id"`
	Workflow      string          `json:"workflow"`
	CronExpr      string          `json:"cron_expression"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Workflow string            `json:"workflow,omitempty"`
	Status   *schema.RunStatus `json:"status,omitempty"`
	Since    *time.Time        `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left untouched.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	RunID    string     `json:"run_id,omitempty"`
	StepName string     `json:"step_name,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Workflow string `json:"workflow,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
