// Package coordinator drives inbound messages through the workflow: it
// claims each message exactly once, runs the stage graph, and applies the
// terminal-state handling (reply, freeze for review, or archive).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deskflow/internal/engine"
	"github.com/deskflow/internal/mailbox"
	"github.com/deskflow/pkg/models"
)

// ClaimStore is the exactly-once dedup table for inbound messages.
type ClaimStore interface {
	// Claim atomically inserts the claim, taking over an existing row still
	// in pending so a failed delivery attempt can be retried; false means
	// the message was already claimed (duplicate delivery).
	Claim(ctx context.Context, claim *models.MessageClaim) (bool, error)

	// UpdateStatus advances a claim's lifecycle status.
	UpdateStatus(ctx context.Context, externalMessageID string, status models.ClaimStatus) error

	// ByConversation returns the claim owning a conversation.
	ByConversation(ctx context.Context, conversationID string) (*models.MessageClaim, error)

	// ByStatus lists claims in a given status, for the monitor loop.
	ByStatus(ctx context.Context, status models.ClaimStatus) ([]models.MessageClaim, error)
}

// TicketStore archives terminal ticket states for audit.
type TicketStore interface {
	Archive(ctx context.Context, state *models.TicketState) error
	Get(ctx context.Context, conversationID string) (*models.TicketState, error)
}

// CursorStore persists the mailbox history cursor.
type CursorStore interface {
	Cursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, cursor string) error
}

// Workflow is the engine surface the coordinator drives.
type Workflow interface {
	Run(ctx context.Context, state *models.TicketState) (suspended bool, err error)
	Resume(ctx context.Context, conversationID string) (*models.TicketState, bool, error)
}

// Result reports what happened to one inbound message or resume.
type Result struct {
	ConversationID string
	Status         models.ClaimStatus
	Duplicate      bool
	Suspended      bool
	State          *models.TicketState
}

// Coordinator owns delivery: claiming, running, replying, archiving.
type Coordinator struct {
	claims    ClaimStore
	tickets   TicketStore
	cursor    CursorStore
	approvals engine.ApprovalStore
	workflow  Workflow
	channel   mailbox.Channel
}

func New(claims ClaimStore, tickets TicketStore, cursor CursorStore, approvals engine.ApprovalStore, workflow Workflow, channel mailbox.Channel) *Coordinator {
	return &Coordinator{
		claims:    claims,
		tickets:   tickets,
		cursor:    cursor,
		approvals: approvals,
		workflow:  workflow,
		channel:   channel,
	}
}

// Process claims one inbound message and drives it through the workflow.
// Duplicate deliveries return Result.Duplicate without side effects.
func (c *Coordinator) Process(ctx context.Context, msg mailbox.Message) (*Result, error) {
	conversationID := msg.ThreadID
	if conversationID == "" {
		conversationID = msg.ID
	}

	claimed, err := c.claims.Claim(ctx, &models.MessageClaim{
		ExternalMessageID: msg.ID,
		ConversationID:    conversationID,
		Sender:            msg.Sender,
		Subject:           msg.Subject,
		Status:            models.ClaimPending,
		ClaimedAt:         time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim message %s: %w", msg.ID, err)
	}
	if !claimed {
		log.Info().Str("message_id", msg.ID).Msg("duplicate delivery, message already claimed")
		return &Result{ConversationID: conversationID, Duplicate: true}, nil
	}

	if err := c.claims.UpdateStatus(ctx, msg.ID, models.ClaimProcessing); err != nil {
		return nil, err
	}

	state := models.NewTicketState(conversationID, msg.Body)
	suspended, err := c.workflow.Run(ctx, state)
	if err != nil {
		// Leave the claim retryable rather than losing the message.
		if statusErr := c.claims.UpdateStatus(ctx, msg.ID, models.ClaimPending); statusErr != nil {
			log.Error().Err(statusErr).Str("message_id", msg.ID).Msg("failed to reset claim after workflow error")
		}
		return nil, fmt.Errorf("workflow for %s: %w", conversationID, err)
	}
	if suspended {
		if err := c.claims.UpdateStatus(ctx, msg.ID, models.ClaimAwaitingHuman); err != nil {
			return nil, err
		}
		return &Result{ConversationID: conversationID, Status: models.ClaimAwaitingHuman, Suspended: true, State: state}, nil
	}

	return c.finish(ctx, msg.ID, state)
}

// Resume re-enters a suspended conversation after its approval was resolved
// and applies the same terminal handling as Process.
func (c *Coordinator) Resume(ctx context.Context, conversationID string) (*Result, error) {
	claim, err := c.claims.ByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("claim for conversation %s: %w", conversationID, err)
	}

	state, suspended, err := c.workflow.Resume(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if suspended {
		// Another gate fired; the claim already reads awaiting_human.
		return &Result{ConversationID: conversationID, Status: models.ClaimAwaitingHuman, Suspended: true, State: state}, nil
	}
	return c.finish(ctx, claim.ExternalMessageID, state)
}

// finish applies terminal handling: a denial freezes the ticket without a
// reply, a human-review flag leaves it awaiting a person, anything else sends
// the reply, marks the message read, and archives the ticket.
func (c *Coordinator) finish(ctx context.Context, externalMessageID string, state *models.TicketState) (*Result, error) {
	switch {
	case state.ActionTaken == models.ActionDenied:
		if err := c.claims.UpdateStatus(ctx, externalMessageID, models.ClaimActionDenied); err != nil {
			return nil, err
		}
		if err := c.tickets.Archive(ctx, state); err != nil {
			return nil, fmt.Errorf("archive denied ticket: %w", err)
		}
		log.Warn().Str("conversation_id", state.ConversationID).Msg("action denied, no reply sent")
		return &Result{ConversationID: state.ConversationID, Status: models.ClaimActionDenied, State: state}, nil

	case state.RequiresHumanReview:
		if err := c.claims.UpdateStatus(ctx, externalMessageID, models.ClaimAwaitingHuman); err != nil {
			return nil, err
		}
		log.Warn().Str("conversation_id", state.ConversationID).Msg("ticket frozen for human review")
		return &Result{ConversationID: state.ConversationID, Status: models.ClaimAwaitingHuman, State: state}, nil
	}

	if state.ReplyText != nil && c.channel != nil {
		claim, err := c.claims.ByConversation(ctx, state.ConversationID)
		if err != nil {
			return nil, err
		}
		subject := claim.Subject
		if subject != "" {
			subject = "Re: " + subject
		}
		if err := c.channel.SendReply(ctx, state.ConversationID, claim.Sender, subject, *state.ReplyText); err != nil {
			// Claim stays in its current status so the send can be retried.
			return nil, fmt.Errorf("send reply for %s: %w", state.ConversationID, err)
		}
		if err := c.channel.MarkRead(ctx, externalMessageID); err != nil {
			log.Warn().Err(err).Str("message_id", externalMessageID).Msg("failed to mark message read")
		}
	}

	if err := c.tickets.Archive(ctx, state); err != nil {
		return nil, fmt.Errorf("archive ticket: %w", err)
	}
	if err := c.claims.UpdateStatus(ctx, externalMessageID, models.ClaimCompleted); err != nil {
		return nil, err
	}
	log.Info().
		Str("conversation_id", state.ConversationID).
		Str("action", string(state.ActionTaken)).
		Msg("conversation completed")
	return &Result{ConversationID: state.ConversationID, Status: models.ClaimCompleted, State: state}, nil
}

// HandlePush lists messages newer than the stored cursor and processes each.
// The cursor advances only after the whole batch is handled.
func (c *Coordinator) HandlePush(ctx context.Context) error {
	if c.channel == nil {
		return errors.New("no mailbox channel configured")
	}
	cursor, err := c.cursor.Cursor(ctx)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}

	messages, newCursor, err := c.channel.MessagesSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list messages since %q: %w", cursor, err)
	}
	for _, msg := range messages {
		if _, err := c.Process(ctx, msg); err != nil {
			return fmt.Errorf("process message %s: %w", msg.ID, err)
		}
	}

	if err := c.cursor.SetCursor(ctx, newCursor); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	log.Debug().Int("messages", len(messages)).Str("cursor", newCursor).Msg("push batch handled")
	return nil
}

// Monitor periodically scans awaiting_human claims and resumes conversations
// whose approval has been resolved. It blocks until ctx is done.
func (c *Coordinator) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("monitor sweep failed")
			}
		}
	}
}

// Sweep performs one monitor pass.
func (c *Coordinator) Sweep(ctx context.Context) error {
	claims, err := c.claims.ByStatus(ctx, models.ClaimAwaitingHuman)
	if err != nil {
		return fmt.Errorf("list awaiting claims: %w", err)
	}
	for _, claim := range claims {
		if _, err := c.approvals.ResolvedUnconsumed(ctx, claim.ConversationID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue // still waiting on a human
			}
			return err
		}
		if _, err := c.Resume(ctx, claim.ConversationID); err != nil {
			log.Error().Err(err).
				Str("conversation_id", claim.ConversationID).
				Msg("failed to resume resolved conversation")
		}
	}
	return nil
}
