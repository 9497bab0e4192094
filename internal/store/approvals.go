package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskflow/pkg/models"
)

// PGApprovals is the Postgres pending-approval table. A partial unique index
// enforces at most one unresolved approval per conversation.
type PGApprovals struct {
	pool *pgxpool.Pool
}

func (s *PGApprovals) Insert(ctx context.Context, a *models.PendingApproval) error {
	args, err := json.Marshal(a.ActionArgs)
	if err != nil {
		return fmt.Errorf("encode action args: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_approvals (id, conversation_id, action_name, action_args, description, status, requested_at, consumed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		a.ID, a.ConversationID, a.ActionName, args, a.Description, string(a.Status), a.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert approval for %s: %w", a.ConversationID, err)
	}
	return nil
}

func (s *PGApprovals) ResolvedUnconsumed(ctx context.Context, conversationID string) (*models.PendingApproval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, action_name, action_args, description, status, requested_at, resolved_at, consumed
		 FROM pending_approvals
		 WHERE conversation_id = $1 AND status <> 'pending' AND NOT consumed
		 ORDER BY requested_at DESC LIMIT 1`, conversationID)
	return scanApproval(row)
}

func (s *PGApprovals) Pending(ctx context.Context, conversationID string) (*models.PendingApproval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, action_name, action_args, description, status, requested_at, resolved_at, consumed
		 FROM pending_approvals
		 WHERE conversation_id = $1 AND status = 'pending'`, conversationID)
	return scanApproval(row)
}

// MarkConsumed is a test-and-set: it only flips an unconsumed row, so exactly
// one of two racing resumes wins the decision.
func (s *PGApprovals) MarkConsumed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_approvals SET consumed = TRUE WHERE id = $1 AND NOT consumed`, id)
	if err != nil {
		return fmt.Errorf("mark approval %s consumed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListPending returns all unresolved approvals, oldest first.
func (s *PGApprovals) ListPending(ctx context.Context) ([]models.PendingApproval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, action_name, action_args, description, status, requested_at, resolved_at, consumed
		 FROM pending_approvals WHERE status = 'pending' ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []models.PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Resolve records the external decision on the pending approval for a
// conversation and returns the updated row.
func (s *PGApprovals) Resolve(ctx context.Context, conversationID string, decision models.DecisionType) (*models.PendingApproval, error) {
	status := models.ApprovalIgnored
	if decision == models.DecisionAccept {
		status = models.ApprovalAccepted
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE pending_approvals SET status = $2, resolved_at = $3
		 WHERE conversation_id = $1 AND status = 'pending'
		 RETURNING id, conversation_id, action_name, action_args, description, status, requested_at, resolved_at, consumed`,
		conversationID, string(status), time.Now().UTC())
	return scanApproval(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*models.PendingApproval, error) {
	var (
		a    models.PendingApproval
		args []byte
	)
	if err := row.Scan(&a.ID, &a.ConversationID, &a.ActionName, &args, &a.Description,
		&a.Status, &a.RequestedAt, &a.ResolvedAt, &a.Consumed); err != nil {
		return nil, notFound(err)
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a.ActionArgs); err != nil {
			return nil, fmt.Errorf("decode action args: %w", err)
		}
	}
	return &a, nil
}
