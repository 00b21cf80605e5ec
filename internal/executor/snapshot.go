package executor

import (
	"context"
	"errors"
	"time"

	"github.com/praxisworks/praxis/pkg/models"
)

// writeSnapshot persists the current conversation, plan, usage, and
// file-op tracker state. Snapshot failures degrade restart fidelity but
// never fail the run.
func (e *Executor) writeSnapshot(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	snap := &ConversationSnapshot{
		TaskID:   e.task.ID,
		Messages: e.store.Messages(),
		Plan:     e.planner.Plan(),
		Usage:    e.governor.Usage(),
		FileOps:  e.keeper.FileOps().State(),
		TakenAt:  time.Now(),
	}
	if err := e.snapshots.Write(ctx, snap); err != nil {
		e.logger.Warn("snapshot write failed", "error", err)
		return
	}
	if err := e.snapshots.PruneOld(ctx, e.task.ID); err != nil {
		e.logger.Warn("snapshot prune failed", "error", err)
	}
	e.emitter.Emit(models.EventConversationSnapshot, map[string]any{
		"messages": len(snap.Messages),
	})
}

// restoreSnapshot reloads the most recent snapshot into the executor.
// Returns an error when no snapshot exists or the restore fails; the
// caller falls back to degraded reconstruction.
func (e *Executor) restoreSnapshot(ctx context.Context) error {
	if e.snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	snap, err := e.snapshots.Load(ctx, e.task.ID)
	if err != nil {
		return err
	}
	if snap == nil {
		return errors.New("no snapshot for task")
	}

	e.store.SetMessages(snap.Messages)
	if snap.Plan != nil {
		e.planner.SetPlan(snap.Plan)
	}
	e.governor.RestoreUsage(snap.Usage)
	e.keeper.FileOps().Restore(snap.FileOps)
	e.logger.Info("conversation restored from snapshot",
		"messages", len(snap.Messages), "taken_at", snap.TakenAt)
	return nil
}
