package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// runCheckpoint captures a deep-copied snapshot of the run state and persists
// it. The snapshot's next-step index points just past this step, so a resume
// continues with the step that follows the checkpoint. Checkpoints are only
// legal at the top level of a workflow; the static validator rejects them
// inside branch, loop and parallel bodies, so a negative index here is an
// engine bug.
func (it *Interpreter) runCheckpoint(ctx context.Context, rctx *RunContext, step *schema.StepRecord, index int) (json.RawMessage, error) {
	if index < 0 {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"checkpoint reached outside the top-level step list").WithStep(step.Name)
	}

	snap := rctx.Snapshot(index + 1)
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "cannot encode checkpoint snapshot").
			WithStep(step.Name).WithCause(err)
	}

	id := uuid.NewString()
	if step.Checkpoint != nil && step.Checkpoint.ID != "" {
		id = rctx.RunID + ":" + step.Checkpoint.ID
	}

	cp := &store.Checkpoint{
		ID:        id,
		RunID:     rctx.RunID,
		Workflow:  rctx.Def.Name,
		Version:   rctx.Def.Version,
		Snapshot:  raw,
		NextStep:  snap.NextStep,
		CreatedAt: time.Now(),
	}
	if err := it.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "cannot persist checkpoint").
			WithStep(step.Name).WithCause(err)
	}

	it.publish(ctx, rctx, step.Name, schema.EventCheckpointSaved, map[string]any{
		"checkpoint_id": cp.ID,
		"next_step":     cp.NextStep,
	})

	return json.Marshal(map[string]any{
		"checkpoint_id": cp.ID,
		"next_step":     cp.NextStep,
	})
}
