package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by the backing stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// OrderItem is a single line on an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is a record in the order backing store.
type Order struct {
	ID       string      `json:"id"`
	Customer string      `json:"customer"`
	Items    []OrderItem `json:"items"`
	Status   string      `json:"status"`
	PlacedAt time.Time   `json:"placed_at"`
	Tracking []string    `json:"tracking"`
}

// Product is a catalog record.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Category    string  `json:"category"`
}

// Policy is a support policy candidate returned by the policy store.
type Policy struct {
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	WhenToUse          string   `json:"when_to_use,omitempty"`
	ApplicableProblems []string `json:"applicable_problems,omitempty"`
}

// Receipt confirms a completed fulfillment action (refund or resend).
type Receipt struct {
	Reference string    `json:"reference"`
	Action    string    `json:"action"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	IssuedAt  time.Time `json:"issued_at"`
}
