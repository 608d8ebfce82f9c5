package engine

import (
	"github.com/loomworks/loom/pkg/schema"
)

// ValidRunTransitions defines the allowed run lifecycle transitions. Failed
// and cancelled runs may re-enter running through checkpoint resume, and a
// run interrupted mid-flight (still marked running) may resume in place; a
// completed run is final.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusFailed:    {schema.RunStatusRunning},
	schema.RunStatusCancelled: {schema.RunStatusRunning},
	schema.RunStatusCompleted: {},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GuardTransition validates a run status transition, returning CONFLICT when
// the move is not allowed.
func GuardTransition(runID string, from, to schema.RunStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s cannot move from %s to %s", runID, from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	return nil
}
