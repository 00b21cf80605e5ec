package executor

import (
	"context"
	"time"

	"github.com/praxisworks/praxis/internal/gatekeeper"
	"github.com/praxisworks/praxis/pkg/models"
)

// ConversationSnapshot is the durable restart point written after every
// assistant turn. Only the most recent snapshot per task is retained.
type ConversationSnapshot struct {
	TaskID   string                  `json:"task_id"`
	Messages []models.Message        `json:"messages"`
	Plan     *models.Plan            `json:"plan,omitempty"`
	Usage    models.UsageTotals      `json:"usage"`
	FileOps  gatekeeper.TrackerState `json:"file_ops"`
	TakenAt  time.Time               `json:"taken_at"`
}

// SnapshotStore persists conversation snapshots.
type SnapshotStore interface {
	// Write stores a snapshot, replacing any older one for the task.
	Write(ctx context.Context, snap *ConversationSnapshot) error

	// Load returns the most recent snapshot for the task, or nil when
	// none exists.
	Load(ctx context.Context, taskID string) (*ConversationSnapshot, error)

	// PruneOld removes superseded snapshots for the task.
	PruneOld(ctx context.Context, taskID string) error
}

// MemoryService recalls long-lived context and stores run summaries.
// Best-effort: failures are logged, never fatal.
type MemoryService interface {
	RecallContext(ctx context.Context, prompt string) (string, error)
	StoreSummary(ctx context.Context, taskID, summary string) error
}

// TaskStore is the daemon capability through which the supervisor
// persists task record mutations.
type TaskStore interface {
	UpdateTask(ctx context.Context, task *models.Task) error
}
