package engine

import (
	"context"
	"time"

	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/internal/tools"
	"github.com/deskflow/pkg/models"
)

// ResolveCheckpoint captures the resolution loop's position when it suspends
// mid-batch for a privileged-tool approval. Restoring it lets a resumed
// conversation continue with the same oracle transcript and the same tool-call
// batch instead of re-asking the oracle.
type ResolveCheckpoint struct {
	Transcript []oracle.TranscriptEntry `json:"transcript"`
	Batch      []tools.Call             `json:"batch"`
	Index      int                      `json:"index"`
	LastStock  *int                     `json:"last_stock,omitempty"`
}

// Checkpoint is the durable snapshot of a suspended conversation: the full
// ticket state plus the stage to re-enter. Resolve is set only when the
// suspension happened inside the resolution tool loop.
type Checkpoint struct {
	ConversationID string              `json:"conversation_id"`
	Stage          Stage               `json:"stage"`
	State          *models.TicketState `json:"state"`
	Resolve        *ResolveCheckpoint  `json:"resolve,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// CheckpointStore persists suspended conversations. One checkpoint per
// conversation; Save replaces any previous snapshot.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, conversationID string) (*Checkpoint, error)
	Delete(ctx context.Context, conversationID string) error
}
