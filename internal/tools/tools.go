// Package tools executes the side-effecting operations available to the
// resolution loop against the order, inventory, and fulfillment backing
// stores. Refund and resend are privileged: callers must hold a recorded
// approval before invoking them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/pkg/models"
)

// ErrUnknownTool is returned when a requested tool name is not in the closed
// tool set. Unknown names are a hard error, never silently skipped.
var ErrUnknownTool = errors.New("unknown tool")

// Name identifies a tool in the closed tool set.
type Name string

const (
	OrderStatus Name = "order_status"
	TrackOrder  Name = "track_order"
	CheckStock  Name = "check_stock"
	Resend      Name = "resend"
	Refund      Name = "refund"
)

// Parse validates a raw tool name against the closed set.
func Parse(raw string) (Name, error) {
	switch n := Name(strings.TrimSpace(raw)); n {
	case OrderStatus, TrackOrder, CheckStock, Resend, Refund:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, raw)
	}
}

// Privileged reports whether executing the tool requires a recorded human
// approval first.
func (n Name) Privileged() bool {
	return n == Refund || n == Resend
}

// Call is one validated tool invocation request.
type Call struct {
	ID   string         `json:"id"`
	Name Name           `json:"name"`
	Args map[string]any `json:"args"`
}

// FromOracle converts a raw oracle tool call into a validated Call.
func FromOracle(tc oracle.ToolCall) (Call, error) {
	name, err := Parse(tc.Name)
	if err != nil {
		return Call{}, err
	}
	return Call{ID: tc.ID, Name: name, Args: tc.Args}, nil
}

// Outcome is the result of a successful tool execution. Action is the ground
// truth for what the conversation actually did: it is set only when a
// privileged tool ran, everything else reports ActionNone.
type Outcome struct {
	Tool       Name
	Result     string
	Action     models.Action
	StockLevel *int
}

// OrderStore looks up orders for the status and tracking tools.
type OrderStore interface {
	Lookup(ctx context.Context, orderID string) (*models.Order, error)
}

// InventoryStore reports current stock levels.
type InventoryStore interface {
	Stock(ctx context.Context, productID string) (int, error)
}

// FulfillmentStore performs the privileged side effects. Both operations are
// at-most-once per approved decision: a partial failure is surfaced to a
// human, never retried automatically.
type FulfillmentStore interface {
	Refund(ctx context.Context, orderID, productID string) (*models.Receipt, error)
	Resend(ctx context.Context, orderID, productID string) (*models.Receipt, error)
}

// Invoker dispatches validated tool calls to the backing stores.
type Invoker struct {
	orders      OrderStore
	inventory   InventoryStore
	fulfillment FulfillmentStore
}

func NewInvoker(orders OrderStore, inventory InventoryStore, fulfillment FulfillmentStore) *Invoker {
	return &Invoker{orders: orders, inventory: inventory, fulfillment: fulfillment}
}

// Execute runs a single tool call. Missing records on informational tools
// come back as a textual result for the oracle to reason about; store or
// fulfillment failures are returned as errors.
func (inv *Invoker) Execute(ctx context.Context, call Call) (*Outcome, error) {
	log.Debug().
		Str("tool", string(call.Name)).
		Interface("args", call.Args).
		Msg("executing tool")

	switch call.Name {
	case OrderStatus:
		return inv.orderStatus(ctx, call)
	case TrackOrder:
		return inv.trackOrder(ctx, call)
	case CheckStock:
		return inv.checkStock(ctx, call)
	case Refund:
		return inv.refund(ctx, call)
	case Resend:
		return inv.resend(ctx, call)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

func (inv *Invoker) orderStatus(ctx context.Context, call Call) (*Outcome, error) {
	orderID, err := stringArg(call, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := inv.orders.Lookup(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return &Outcome{Tool: call.Name, Action: models.ActionNone,
			Result: fmt.Sprintf("Order %s was not found in the system.", orderID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}

	var items []string
	for _, item := range order.Items {
		items = append(items, fmt.Sprintf("%dx %s at $%.2f", item.Quantity, item.ProductID, item.UnitPrice))
	}
	result := fmt.Sprintf("Order %s: status=%s, placed %s, items: %s.",
		order.ID, order.Status, order.PlacedAt.Format("2006-01-02"), strings.Join(items, "; "))
	return &Outcome{Tool: call.Name, Result: result, Action: models.ActionNone}, nil
}

func (inv *Invoker) trackOrder(ctx context.Context, call Call) (*Outcome, error) {
	orderID, err := stringArg(call, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := inv.orders.Lookup(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return &Outcome{Tool: call.Name, Action: models.ActionNone,
			Result: fmt.Sprintf("Order %s was not found in the system.", orderID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}

	result := fmt.Sprintf("No tracking events recorded for order %s yet.", order.ID)
	if len(order.Tracking) > 0 {
		result = fmt.Sprintf("Tracking for order %s: %s.", order.ID, strings.Join(order.Tracking, " -> "))
	}
	return &Outcome{Tool: call.Name, Result: result, Action: models.ActionNone}, nil
}

func (inv *Invoker) checkStock(ctx context.Context, call Call) (*Outcome, error) {
	productID, err := stringArg(call, "product_id")
	if err != nil {
		return nil, err
	}
	level, err := inv.inventory.Stock(ctx, productID)
	if errors.Is(err, models.ErrNotFound) {
		return &Outcome{Tool: call.Name, Action: models.ActionNone,
			Result: fmt.Sprintf("Product %s was not found in inventory.", productID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stock check: %w", err)
	}

	result := fmt.Sprintf("Product %s has %d unit(s) in stock.", productID, level)
	if level == 0 {
		result = fmt.Sprintf("Product %s is out of stock (0 units available).", productID)
	}
	return &Outcome{Tool: call.Name, Result: result, Action: models.ActionNone, StockLevel: &level}, nil
}

func (inv *Invoker) refund(ctx context.Context, call Call) (*Outcome, error) {
	orderID, productID, err := fulfillmentArgs(call)
	if err != nil {
		return nil, err
	}
	receipt, err := inv.fulfillment.Refund(ctx, orderID, productID)
	if err != nil {
		return nil, fmt.Errorf("refund %s/%s: %w", orderID, productID, err)
	}
	log.Info().Str("order_id", orderID).Str("product_id", productID).
		Str("reference", receipt.Reference).Msg("refund issued")
	return &Outcome{
		Tool:   call.Name,
		Result: fmt.Sprintf("Refund issued for product %s on order %s, reference %s.", productID, orderID, receipt.Reference),
		Action: models.ActionRefundIssued,
	}, nil
}

func (inv *Invoker) resend(ctx context.Context, call Call) (*Outcome, error) {
	orderID, productID, err := fulfillmentArgs(call)
	if err != nil {
		return nil, err
	}
	receipt, err := inv.fulfillment.Resend(ctx, orderID, productID)
	if err != nil {
		return nil, fmt.Errorf("resend %s/%s: %w", orderID, productID, err)
	}
	log.Info().Str("order_id", orderID).Str("product_id", productID).
		Str("reference", receipt.Reference).Msg("replacement shipment issued")
	return &Outcome{
		Tool:   call.Name,
		Result: fmt.Sprintf("Replacement for product %s on order %s is on its way, reference %s.", productID, orderID, receipt.Reference),
		Action: models.ActionResendIssued,
	}, nil
}

func fulfillmentArgs(call Call) (orderID, productID string, err error) {
	orderID, err = stringArg(call, "order_id")
	if err != nil {
		return "", "", err
	}
	productID, err = stringArg(call, "product_id")
	if err != nil {
		return "", "", err
	}
	return orderID, productID, nil
}

func stringArg(call Call, key string) (string, error) {
	raw, ok := call.Args[key]
	if !ok {
		return "", fmt.Errorf("tool %s: missing argument %q", call.Name, key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("tool %s: argument %q must be a non-empty string", call.Name, key)
	}
	return strings.TrimSpace(s), nil
}

// Specs advertises the closed tool set to the reasoning oracle.
func Specs() []oracle.ToolSpec {
	orderParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order_id": map[string]any{"type": "string", "description": "Order identifier, format ORD#####"},
		},
		"required": []string{"order_id"},
	}
	productParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"product_id": map[string]any{"type": "string", "description": "Product identifier, e.g. P1001"},
		},
		"required": []string{"product_id"},
	}
	fulfillParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order_id":   map[string]any{"type": "string", "description": "Order identifier, format ORD#####"},
			"product_id": map[string]any{"type": "string", "description": "Product identifier, e.g. P1001"},
		},
		"required": []string{"order_id", "product_id"},
	}

	return []oracle.ToolSpec{
		{Name: string(OrderStatus), Description: "Look up the current status and line items of an order.", Parameters: orderParam},
		{Name: string(TrackOrder), Description: "Fetch the shipment tracking history for an order.", Parameters: orderParam},
		{Name: string(CheckStock), Description: "Check how many units of a product are currently in stock.", Parameters: productParam},
		{Name: string(Resend), Description: "Ship a replacement for a product on an order. Requires human approval.", Parameters: fulfillParam},
		{Name: string(Refund), Description: "Issue a refund for a product on an order. Requires human approval.", Parameters: fulfillParam},
	}
}
