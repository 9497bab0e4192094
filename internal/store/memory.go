// Package store provides the durable backing stores: a Postgres (pgx)
// implementation for production and an in-memory implementation for tests
// and the offline CLI mode.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskflow/internal/engine"
	"github.com/deskflow/pkg/models"
)

// Memory bundles in-memory implementations of every store interface. All
// members share one mutex; the data volumes here are test-sized.
type Memory struct {
	Claims      *MemoryClaims
	Approvals   *MemoryApprovals
	Checkpoints *MemoryCheckpoints
	Tickets     *MemoryTickets
	Cursor      *MemoryCursor
	Catalog     *MemoryCatalog
}

func NewMemory() *Memory {
	return &Memory{
		Claims:      &MemoryClaims{rows: map[string]*models.MessageClaim{}},
		Approvals:   &MemoryApprovals{rows: map[string]*models.PendingApproval{}},
		Checkpoints: &MemoryCheckpoints{rows: map[string]*engine.Checkpoint{}},
		Tickets:     &MemoryTickets{rows: map[string]*models.TicketState{}},
		Cursor:      &MemoryCursor{},
		Catalog: &MemoryCatalog{
			orders:    map[string]*models.Order{},
			products:  map[string]*models.Product{},
			inventory: map[string]int{},
		},
	}
}

// MemoryClaims is the in-memory exactly-once claim table.
type MemoryClaims struct {
	mu   sync.Mutex
	rows map[string]*models.MessageClaim
}

func (m *MemoryClaims) Claim(_ context.Context, claim *models.MessageClaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[claim.ExternalMessageID]; ok {
		// Take over claims left in pending by a failed delivery attempt.
		if row.Status != models.ClaimPending {
			return false, nil
		}
		row.ClaimedAt = claim.ClaimedAt
		row.UpdatedAt = claim.ClaimedAt
		return true, nil
	}
	cp := *claim
	cp.UpdatedAt = cp.ClaimedAt
	m.rows[claim.ExternalMessageID] = &cp
	return true, nil
}

func (m *MemoryClaims) UpdateStatus(_ context.Context, externalMessageID string, status models.ClaimStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[externalMessageID]
	if !ok {
		return models.ErrNotFound
	}
	row.Status = status
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryClaims) ByConversation(_ context.Context, conversationID string) (*models.MessageClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == conversationID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryClaims) ByStatus(_ context.Context, status models.ClaimStatus) ([]models.MessageClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MessageClaim
	for _, row := range m.rows {
		if row.Status == status {
			out = append(out, *row)
		}
	}
	return out, nil
}

// MemoryApprovals is the in-memory pending-approval table.
type MemoryApprovals struct {
	mu   sync.Mutex
	rows map[string]*models.PendingApproval
}

func (m *MemoryApprovals) Insert(_ context.Context, a *models.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == a.ConversationID && row.Status == models.ApprovalPending {
			return fmt.Errorf("pending approval already exists for conversation %s", a.ConversationID)
		}
	}
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *MemoryApprovals) ResolvedUnconsumed(_ context.Context, conversationID string) (*models.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == conversationID && row.Status != models.ApprovalPending && !row.Consumed {
			cp := *row
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryApprovals) Pending(_ context.Context, conversationID string) (*models.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == conversationID && row.Status == models.ApprovalPending {
			cp := *row
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryApprovals) MarkConsumed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Consumed {
		return models.ErrNotFound
	}
	row.Consumed = true
	return nil
}

// ListPending returns all unresolved approvals, for the approvals API.
func (m *MemoryApprovals) ListPending(_ context.Context) ([]models.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PendingApproval
	for _, row := range m.rows {
		if row.Status == models.ApprovalPending {
			out = append(out, *row)
		}
	}
	return out, nil
}

// Resolve records the external decision on the pending approval for a
// conversation.
func (m *MemoryApprovals) Resolve(_ context.Context, conversationID string, decision models.DecisionType) (*models.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == conversationID && row.Status == models.ApprovalPending {
			if decision == models.DecisionAccept {
				row.Status = models.ApprovalAccepted
			} else {
				row.Status = models.ApprovalIgnored
			}
			now := time.Now().UTC()
			row.ResolvedAt = &now
			cp := *row
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

// MemoryCheckpoints is the in-memory suspended-conversation snapshot table.
type MemoryCheckpoints struct {
	mu   sync.Mutex
	rows map[string]*engine.Checkpoint
}

func (m *MemoryCheckpoints) Save(_ context.Context, cp *engine.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[cp.ConversationID] = cp
	return nil
}

func (m *MemoryCheckpoints) Load(_ context.Context, conversationID string) (*engine.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[conversationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cp, nil
}

func (m *MemoryCheckpoints) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[conversationID]; !ok {
		return models.ErrNotFound
	}
	delete(m.rows, conversationID)
	return nil
}

// MemoryTickets archives terminal ticket states.
type MemoryTickets struct {
	mu   sync.Mutex
	rows map[string]*models.TicketState
}

func (m *MemoryTickets) Archive(_ context.Context, state *models.TicketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[state.ConversationID] = state
	return nil
}

func (m *MemoryTickets) Get(_ context.Context, conversationID string) (*models.TicketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[conversationID]; ok {
		return s, nil
	}
	return nil, models.ErrNotFound
}

// MemoryCursor persists the mailbox history cursor.
type MemoryCursor struct {
	mu    sync.Mutex
	value string
	set   bool
}

func (m *MemoryCursor) Cursor(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return "", models.ErrNotFound
	}
	return m.value, nil
}

func (m *MemoryCursor) SetCursor(_ context.Context, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value, m.set = cursor, true
	return nil
}

// MemoryCatalog backs the order, product, inventory, policy, and fulfillment
// stores.
type MemoryCatalog struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	products  map[string]*models.Product
	inventory map[string]int
	policies  []models.Policy
	receipts  []models.Receipt
}

func (m *MemoryCatalog) Lookup(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (m *MemoryCatalog) List(_ context.Context) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, *p)
	}
	sortProducts(out)
	return out, nil
}

func (m *MemoryCatalog) Stock(_ context.Context, productID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level, ok := m.inventory[productID]
	if !ok {
		return 0, models.ErrNotFound
	}
	return level, nil
}

// SetStock overrides a stock level, for tests and seeding.
func (m *MemoryCatalog) SetStock(productID string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[productID] = level
}

// Candidates returns the policies whose applicable problem tags appear in the
// issue text; with no tag hits the whole policy set is offered so the oracle
// still picks from real names.
func (m *MemoryCatalog) Candidates(_ context.Context, issueText string) ([]models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(issueText)
	var matched []models.Policy
	for _, p := range m.policies {
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
	return append([]models.Policy(nil), m.policies...), nil
}

func (m *MemoryCatalog) Context(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, p := range m.policies {
		fmt.Fprintf(&b, "%s: %s\n", p.Name, p.Description)
	}
	return b.String(), nil
}

func (m *MemoryCatalog) Refund(_ context.Context, orderID, productID string) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return nil, fmt.Errorf("refund: order %s: %w", orderID, models.ErrNotFound)
	}
	receipt := models.Receipt{
		Reference: "RF-" + uuid.NewString()[:8],
		Action:    "refund",
		OrderID:   orderID,
		ProductID: productID,
		IssuedAt:  time.Now().UTC(),
	}
	m.receipts = append(m.receipts, receipt)
	return &receipt, nil
}

func (m *MemoryCatalog) Resend(_ context.Context, orderID, productID string) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return nil, fmt.Errorf("resend: order %s: %w", orderID, models.ErrNotFound)
	}
	if m.inventory[productID] <= 0 {
		return nil, fmt.Errorf("resend: product %s is out of stock", productID)
	}
	m.inventory[productID]--
	receipt := models.Receipt{
		Reference: "RS-" + uuid.NewString()[:8],
		Action:    "resend",
		OrderID:   orderID,
		ProductID: productID,
		IssuedAt:  time.Now().UTC(),
	}
	m.receipts = append(m.receipts, receipt)
	return &receipt, nil
}

// Receipts returns all issued fulfillment receipts.
func (m *MemoryCatalog) Receipts() []models.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Receipt(nil), m.receipts...)
}

func sortProducts(products []models.Product) {
	for i := 1; i < len(products); i++ {
		for j := i; j > 0 && products[j].ID < products[j-1].ID; j-- {
			products[j], products[j-1] = products[j-1], products[j]
		}
	}
}

// SeedDemoData loads the demo catalog: five products, two orders, and the
// standard support policy set.
func (m *Memory) SeedDemoData() {
	c := m.Catalog
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range DemoProducts() {
		cp := p
		c.products[p.ID] = &cp
	}
	for id, level := range DemoInventory() {
		c.inventory[id] = level
	}
	for _, o := range DemoOrders() {
		cp := o
		c.orders[o.ID] = &cp
	}
	c.policies = DemoPolicies()
}

// DemoProducts is the demo product catalog.
func DemoProducts() []models.Product {
	return []models.Product{
		{ID: "P1001", Name: "Premium Wireless Headphones", Description: "Noise-cancelling over-ear headphones", Price: 199.99, Category: "electronics"},
		{ID: "P1002", Name: "Smart Fitness Watch", Description: "Fitness tracker with heart-rate monitor", Price: 149.99, Category: "electronics"},
		{ID: "P1003", Name: "Organic Cotton T-Shirt", Description: "Soft organic cotton tee", Price: 29.99, Category: "apparel"},
		{ID: "P1004", Name: "Stainless Steel Water Bottle", Description: "Insulated 750ml bottle", Price: 34.99, Category: "home"},
		{ID: "P1005", Name: "Wireless Charging Pad", Description: "Qi-compatible fast charging pad", Price: 39.99, Category: "electronics"},
	}
}

// DemoInventory is the demo stock table. P1002 is deliberately out of stock
// so refund flows can be exercised.
func DemoInventory() map[string]int {
	return map[string]int{
		"P1001": 12,
		"P1002": 0,
		"P1003": 40,
		"P1004": 25,
		"P1005": 8,
	}
}

// DemoOrders is the demo order book.
func DemoOrders() []models.Order {
	return []models.Order{
		{
			ID: "ORD12345", Customer: "jane@example.com", Status: "delivered",
			Items:    []models.OrderItem{{ProductID: "P1001", Quantity: 1, UnitPrice: 199.99}},
			PlacedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			Tracking: []string{"label created", "in transit", "out for delivery", "delivered"},
		},
		{
			ID: "ORD67890", Customer: "sam@example.com", Status: "delivered",
			Items:    []models.OrderItem{{ProductID: "P1002", Quantity: 1, UnitPrice: 149.99}},
			PlacedAt: time.Date(2026, 8, 10, 14, 30, 0, 0, time.UTC),
			Tracking: []string{"label created", "in transit", "delivered"},
		},
	}
}

// DemoPolicies is the standard support policy set.
func DemoPolicies() []models.Policy {
	return []models.Policy{
		{
			Name:               "Damaged Item Policy",
			Description:        "If a customer receives a damaged or defective item, they are eligible for an immediate replacement or full refund, including shipping costs.",
			WhenToUse:          "Item arrived damaged, defective, or not working.",
			ApplicableProblems: []string{"damaged", "quality", "wrong-item"},
		},
		{
			Name:               "Standard Return Policy",
			Description:        "Unused items in original packaging may be returned within 30 days of delivery for a full refund or exchange.",
			WhenToUse:          "Customer changed their mind or the item does not fit.",
			ApplicableProblems: []string{"return", "fit"},
		},
		{
			Name:               "Refund Policy",
			Description:        "Approved refunds are issued to the original payment method within 5-7 business days.",
			WhenToUse:          "Customer explicitly requests money back.",
			ApplicableProblems: []string{"refund"},
		},
		{
			Name:               "Late Delivery Policy",
			Description:        "Orders delayed more than 7 days past the promised date are eligible for expedited reshipment or a shipping refund.",
			WhenToUse:          "Order has not arrived or is significantly delayed.",
			ApplicableProblems: []string{"delayed", "non-delivery"},
		},
		{
			Name:               "Account Support Policy",
			Description:        "Account and website issues are handled by resetting credentials or escalating to the web team; no financial actions apply.",
			WhenToUse:          "Login, account data, or website malfunction reports.",
			ApplicableProblems: []string{"account", "website"},
		},
	}
}
