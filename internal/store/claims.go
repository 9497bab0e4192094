package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskflow/pkg/models"
)

// PGClaims is the Postgres exactly-once claim table. Claiming is a single
// atomic insert keyed by the external message id; a conflicting row still in
// "pending" (a delivery attempt that failed before finishing) is taken over
// so a later sync can retry the message.
type PGClaims struct {
	pool *pgxpool.Pool
}

func (s *PGClaims) Claim(ctx context.Context, claim *models.MessageClaim) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO message_claims (external_message_id, conversation_id, sender, subject, status, claimed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (external_message_id) DO UPDATE
		     SET claimed_at = EXCLUDED.claimed_at, updated_at = EXCLUDED.updated_at
		     WHERE message_claims.status = 'pending'`,
		claim.ExternalMessageID, claim.ConversationID, claim.Sender, claim.Subject,
		string(claim.Status), claim.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", claim.ExternalMessageID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGClaims) UpdateStatus(ctx context.Context, externalMessageID string, status models.ClaimStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE message_claims SET status = $2, updated_at = $3 WHERE external_message_id = $1`,
		externalMessageID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update claim %s: %w", externalMessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PGClaims) ByConversation(ctx context.Context, conversationID string) (*models.MessageClaim, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT external_message_id, conversation_id, sender, subject, status, claimed_at, updated_at
		 FROM message_claims WHERE conversation_id = $1
		 ORDER BY claimed_at LIMIT 1`, conversationID)
	var claim models.MessageClaim
	if err := row.Scan(&claim.ExternalMessageID, &claim.ConversationID, &claim.Sender,
		&claim.Subject, &claim.Status, &claim.ClaimedAt, &claim.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &claim, nil
}

func (s *PGClaims) ByStatus(ctx context.Context, status models.ClaimStatus) ([]models.MessageClaim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_message_id, conversation_id, sender, subject, status, claimed_at, updated_at
		 FROM message_claims WHERE status = $1 ORDER BY claimed_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list claims by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []models.MessageClaim
	for rows.Next() {
		var claim models.MessageClaim
		if err := rows.Scan(&claim.ExternalMessageID, &claim.ConversationID, &claim.Sender,
			&claim.Subject, &claim.Status, &claim.ClaimedAt, &claim.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}
