package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskflow/pkg/models"
)

// PGCatalog backs the order, product, inventory, policy, and fulfillment
// stores on Postgres. Fulfillment operations run in a transaction so a
// receipt and its inventory effect commit together.
type PGCatalog struct {
	pool *pgxpool.Pool
}

func (s *PGCatalog) Lookup(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, customer, status, placed_at, items, tracking FROM orders WHERE id = $1`, orderID)

	var (
		o        models.Order
		items    []byte
		tracking []byte
	)
	if err := row.Scan(&o.ID, &o.Customer, &o.Status, &o.PlacedAt, &items, &tracking); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(tracking, &o.Tracking); err != nil {
		return nil, fmt.Errorf("decode order tracking: %w", err)
	}
	return &o, nil
}

func (s *PGCatalog) List(ctx context.Context) ([]models.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, price, category FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGCatalog) Stock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := s.pool.QueryRow(ctx,
		`SELECT stock FROM inventory WHERE product_id = $1`, productID).Scan(&stock)
	if err != nil {
		return 0, notFound(err)
	}
	return stock, nil
}

// Candidates returns policies whose applicable problem tags appear in the
// issue text, or the whole set when nothing matches so the oracle still picks
// from real names.
func (s *PGCatalog) Candidates(ctx context.Context, issueText string) ([]models.Policy, error) {
	all, err := s.policies(ctx)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(issueText)
	var matched []models.Policy
	for _, p := range all {
		for _, tag := range p.ApplicableProblems {
			if strings.Contains(lower, strings.ToLower(tag)) {
				matched = append(matched, p)
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched, nil
	}
	return all, nil
}

func (s *PGCatalog) Context(ctx context.Context) (string, error) {
	all, err := s.policies(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range all {
		fmt.Fprintf(&b, "%s: %s\n", p.Name, p.Description)
	}
	return b.String(), nil
}

func (s *PGCatalog) policies(ctx context.Context) ([]models.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description, when_to_use, applicable_problems FROM policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []models.Policy
	for rows.Next() {
		var (
			p        models.Policy
			problems []byte
		)
		if err := rows.Scan(&p.Name, &p.Description, &p.WhenToUse, &problems); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(problems, &p.ApplicableProblems); err != nil {
			return nil, fmt.Errorf("decode policy problems: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGCatalog) Refund(ctx context.Context, orderID, productID string) (*models.Receipt, error) {
	receipt := models.Receipt{
		Reference: "RF-" + uuid.NewString()[:8],
		Action:    "refund",
		OrderID:   orderID,
		ProductID: productID,
		IssuedAt:  time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("refund: order %s: %w", orderID, models.ErrNotFound)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO receipts (reference, action, order_id, product_id, issued_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			receipt.Reference, receipt.Action, receipt.OrderID, receipt.ProductID, receipt.IssuedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *PGCatalog) Resend(ctx context.Context, orderID, productID string) (*models.Receipt, error) {
	receipt := models.Receipt{
		Reference: "RS-" + uuid.NewString()[:8],
		Action:    "resend",
		OrderID:   orderID,
		ProductID: productID,
		IssuedAt:  time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("resend: order %s: %w", orderID, models.ErrNotFound)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE inventory SET stock = stock - 1 WHERE product_id = $1 AND stock > 0`, productID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resend: product %s is out of stock", productID)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO receipts (reference, action, order_id, product_id, issued_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			receipt.Reference, receipt.Action, receipt.OrderID, receipt.ProductID, receipt.IssuedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// PGCursor persists the mailbox history cursor as a single row.
type PGCursor struct {
	pool *pgxpool.Pool
}

func (s *PGCursor) Cursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM mail_cursor WHERE id = 1`).Scan(&cursor)
	if err != nil {
		return "", notFound(err)
	}
	return cursor, nil
}

func (s *PGCursor) SetCursor(ctx context.Context, cursor string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mail_cursor (id, cursor, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`, cursor)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
