package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskflow/internal/engine"
	"github.com/deskflow/pkg/models"
)

// PGCheckpoints persists suspended conversations. The ticket state and the
// resolve-loop position are stored as JSONB so a resumed process reassembles
// exactly what was suspended.
type PGCheckpoints struct {
	pool *pgxpool.Pool
}

func (s *PGCheckpoints) Save(ctx context.Context, cp *engine.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode ticket state: %w", err)
	}
	var resolve []byte
	if cp.Resolve != nil {
		if resolve, err = json.Marshal(cp.Resolve); err != nil {
			return fmt.Errorf("encode resolve checkpoint: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (conversation_id, stage, state, resolve, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET stage = EXCLUDED.stage, state = EXCLUDED.state,
		     resolve = EXCLUDED.resolve, created_at = EXCLUDED.created_at`,
		cp.ConversationID, string(cp.Stage), state, resolve, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ConversationID, err)
	}
	return nil
}

func (s *PGCheckpoints) Load(ctx context.Context, conversationID string) (*engine.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT conversation_id, stage, state, resolve, created_at
		 FROM checkpoints WHERE conversation_id = $1`, conversationID)

	var (
		cp      engine.Checkpoint
		stage   string
		state   []byte
		resolve []byte
	)
	if err := row.Scan(&cp.ConversationID, &stage, &state, &resolve, &cp.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	cp.Stage = engine.Stage(stage)
	cp.State = &models.TicketState{}
	if err := json.Unmarshal(state, cp.State); err != nil {
		return nil, fmt.Errorf("decode ticket state: %w", err)
	}
	if len(resolve) > 0 {
		cp.Resolve = &engine.ResolveCheckpoint{}
		if err := json.Unmarshal(resolve, cp.Resolve); err != nil {
			return nil, fmt.Errorf("decode resolve checkpoint: %w", err)
		}
	}
	return &cp, nil
}

func (s *PGCheckpoints) Delete(ctx context.Context, conversationID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", conversationID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
