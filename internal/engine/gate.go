package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/deskflow/pkg/models"
)

// ApprovalStore is the durable backing for pending approval requests.
// Implementations must reject a second unresolved approval for the same
// conversation: requests are strictly sequential per conversation.
type ApprovalStore interface {
	// Insert durably records a new pending approval.
	Insert(ctx context.Context, approval *models.PendingApproval) error

	// ResolvedUnconsumed returns the resolved-but-not-yet-consumed approval
	// for a conversation, or models.ErrNotFound.
	ResolvedUnconsumed(ctx context.Context, conversationID string) (*models.PendingApproval, error)

	// Pending returns the unresolved approval for a conversation, or
	// models.ErrNotFound.
	Pending(ctx context.Context, conversationID string) (*models.PendingApproval, error)

	// MarkConsumed marks a resolved approval as consumed by the workflow.
	MarkConsumed(ctx context.Context, id string) error
}

// Request describes the action a stage wants a human to sign off on.
type Request struct {
	Action      string
	Args        map[string]any
	Description string
}

// Gate is the suspend/resume primitive. Request returns (decision, true) when
// a recorded decision is available for the conversation, or (_, false) after
// durably persisting the pending request, in which case the caller must
// suspend.
type Gate interface {
	Request(ctx context.Context, conversationID string, req Request) (models.DecisionType, bool, error)
}

// StoreGate implements Gate on top of an ApprovalStore.
type StoreGate struct {
	approvals ApprovalStore
}

func NewStoreGate(approvals ApprovalStore) *StoreGate {
	return &StoreGate{approvals: approvals}
}

// Request checks for a recorded decision first so a resumed conversation can
// consume it; otherwise it persists the pending request before reporting that
// no decision exists yet. The pending record is written before the caller
// suspends, so a process restart can still resolve it.
func (g *StoreGate) Request(ctx context.Context, conversationID string, req Request) (models.DecisionType, bool, error) {
	resolved, err := g.approvals.ResolvedUnconsumed(ctx, conversationID)
	if err == nil {
		if resolved.ActionName != req.Action {
			return "", false, fmt.Errorf("recorded decision is for action %q, not %q", resolved.ActionName, req.Action)
		}
		if err := g.approvals.MarkConsumed(ctx, resolved.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Another resume consumed the decision between the read and
				// the mark. It no longer belongs to this caller.
				log.Warn().
					Str("conversation_id", conversationID).
					Str("approval_id", resolved.ID).
					Msg("approval decision already consumed elsewhere")
				return "", false, nil
			}
			return "", false, fmt.Errorf("consume approval %s: %w", resolved.ID, err)
		}
		log.Info().
			Str("conversation_id", conversationID).
			Str("action", req.Action).
			Str("decision", string(resolved.Decision())).
			Msg("approval decision consumed")
		return resolved.Decision(), true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return "", false, fmt.Errorf("look up approval decision: %w", err)
	}

	// Re-entry without a decision: the pending request is already recorded,
	// do not insert a duplicate.
	if _, err := g.approvals.Pending(ctx, conversationID); err == nil {
		return "", false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return "", false, fmt.Errorf("look up pending approval: %w", err)
	}

	approval := &models.PendingApproval{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ActionName:     req.Action,
		ActionArgs:     req.Args,
		Description:    req.Description,
		Status:         models.ApprovalPending,
		RequestedAt:    time.Now().UTC(),
	}
	if err := g.approvals.Insert(ctx, approval); err != nil {
		return "", false, fmt.Errorf("record pending approval: %w", err)
	}
	log.Info().
		Str("conversation_id", conversationID).
		Str("action", req.Action).
		Msg("approval requested, suspending conversation")
	return "", false, nil
}
