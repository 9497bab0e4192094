package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskflow/pkg/models"
)

// PGTickets archives terminal ticket states as JSONB for audit retrieval.
type PGTickets struct {
	pool *pgxpool.Pool
}

func (s *PGTickets) Archive(ctx context.Context, state *models.TicketState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode ticket %s: %w", state.ConversationID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tickets (conversation_id, state, archived_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET state = EXCLUDED.state, archived_at = EXCLUDED.archived_at`,
		state.ConversationID, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive ticket %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *PGTickets) Get(ctx context.Context, conversationID string) (*models.TicketState, error) {
	var encoded []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM tickets WHERE conversation_id = $1`, conversationID).Scan(&encoded)
	if err != nil {
		return nil, notFound(err)
	}
	state := &models.TicketState{}
	if err := json.Unmarshal(encoded, state); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", conversationID, err)
	}
	return state, nil
}
