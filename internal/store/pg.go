package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/deskflow/pkg/models"
)

// PG bundles the Postgres-backed stores over one shared pool.
type PG struct {
	Claims      *PGClaims
	Approvals   *PGApprovals
	Checkpoints *PGCheckpoints
	Tickets     *PGTickets
	Cursor      *PGCursor
	Catalog     *PGCatalog
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{
		Claims:      &PGClaims{pool: pool},
		Approvals:   &PGApprovals{pool: pool},
		Checkpoints: &PGCheckpoints{pool: pool},
		Tickets:     &PGTickets{pool: pool},
		Cursor:      &PGCursor{pool: pool},
		Catalog:     &PGCatalog{pool: pool},
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS message_claims (
		external_message_id TEXT PRIMARY KEY,
		conversation_id     TEXT NOT NULL,
		sender              TEXT NOT NULL DEFAULT '',
		subject             TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		claimed_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_claims_status ON message_claims (status)`,
	`CREATE INDEX IF NOT EXISTS idx_message_claims_conversation ON message_claims (conversation_id)`,

	`CREATE TABLE IF NOT EXISTS pending_approvals (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		action_name     TEXT NOT NULL,
		action_args     JSONB NOT NULL DEFAULT '{}',
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		requested_at    TIMESTAMPTZ NOT NULL,
		resolved_at     TIMESTAMPTZ,
		consumed        BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_approvals_one_pending
		ON pending_approvals (conversation_id) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		conversation_id TEXT PRIMARY KEY,
		stage           TEXT NOT NULL,
		state           JSONB NOT NULL,
		resolve         JSONB,
		created_at      TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tickets (
		conversation_id TEXT PRIMARY KEY,
		state           JSONB NOT NULL,
		archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price       DOUBLE PRECISION NOT NULL,
		category    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id        TEXT PRIMARY KEY,
		customer  TEXT NOT NULL,
		status    TEXT NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL,
		items     JSONB NOT NULL,
		tracking  JSONB NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS inventory (
		product_id TEXT PRIMARY KEY,
		stock      INTEGER NOT NULL CHECK (stock >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS policies (
		name                TEXT PRIMARY KEY,
		description         TEXT NOT NULL,
		when_to_use         TEXT NOT NULL DEFAULT '',
		applicable_problems JSONB NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS receipts (
		reference  TEXT PRIMARY KEY,
		action     TEXT NOT NULL,
		order_id   TEXT NOT NULL,
		product_id TEXT NOT NULL,
		issued_at  TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS mail_cursor (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		cursor     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SeedDemoData inserts the demo catalog, skipping anything already present.
func SeedDemoData(ctx context.Context, pool *pgxpool.Pool) error {
	for _, p := range DemoProducts() {
		_, err := pool.Exec(ctx,
			`INSERT INTO products (id, name, description, price, category)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Description, p.Price, p.Category)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	for id, level := range DemoInventory() {
		_, err := pool.Exec(ctx,
			`INSERT INTO inventory (product_id, stock)
			 VALUES ($1, $2) ON CONFLICT (product_id) DO NOTHING`, id, level)
		if err != nil {
			return fmt.Errorf("seed inventory %s: %w", id, err)
		}
	}
	for _, o := range DemoOrders() {
		items, err := json.Marshal(o.Items)
		if err != nil {
			return err
		}
		tracking, err := json.Marshal(o.Tracking)
		if err != nil {
			return err
		}
		_, err = pool.Exec(ctx,
			`INSERT INTO orders (id, customer, status, placed_at, items, tracking)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			o.ID, o.Customer, o.Status, o.PlacedAt, items, tracking)
		if err != nil {
			return fmt.Errorf("seed order %s: %w", o.ID, err)
		}
	}
	for _, p := range DemoPolicies() {
		problems, err := json.Marshal(p.ApplicableProblems)
		if err != nil {
			return err
		}
		_, err = pool.Exec(ctx,
			`INSERT INTO policies (name, description, when_to_use, applicable_problems)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING`,
			p.Name, p.Description, p.WhenToUse, problems)
		if err != nil {
			return fmt.Errorf("seed policy %q: %w", p.Name, err)
		}
	}
	log.Info().Msg("demo data seeded")
	return nil
}

// notFound translates pgx's no-rows error to the domain sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
