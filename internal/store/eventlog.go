package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The write-intent statement forces immediate lock acquisition so
// concurrent writers cannot interleave sequence reads and writes under WAL.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepReplay is the per-step view reconstructed from the event log.
type StepReplay struct {
	StepName    string            `json:"step_name"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ReplayEvents replays all events for a run and returns the reconstructed
// per-step states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepReplay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepReplay), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepReplay)

	for _, e := range events {
		if e.StepName == "" {
			continue
		}

		sr, ok := states[e.StepName]
		if !ok {
			sr = &StepReplay{
				StepName: e.StepName,
				Status:   schema.StepStatusPending,
			}
			states[e.StepName] = sr
		}

		switch e.Type {
		case schema.EventStepStarted:
			sr.Status = schema.StepStatusRunning
			ts := e.Timestamp
			sr.StartedAt = &ts

		case schema.EventStepCompleted:
			sr.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			sr.CompletedAt = &ts
			sr.Output = e.Payload
			if sr.StartedAt != nil {
				sr.DurationMs = ts.Sub(*sr.StartedAt).Milliseconds()
			}
			sr.Attempts = attemptsFromPayload(e.Payload, sr.Attempts)

		case schema.EventStepFailed:
			sr.Status = schema.StepStatusFailed
			sr.Error = e.Payload
			sr.Attempts = attemptsFromPayload(e.Payload, sr.Attempts)

		case schema.EventStepSkipped:
			sr.Status = schema.StepStatusSkipped
		}
	}

	return states, nil
}

func attemptsFromPayload(payload json.RawMessage, fallback int) int {
	if len(payload) == 0 {
		return fallback
	}
	var p struct {
		Attempts int `json:"attempts"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Attempts == 0 {
		return fallback
	}
	return p.Attempts
}
