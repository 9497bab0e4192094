package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/internal/oracle/oracletest"
	"github.com/deskflow/internal/tools"
	"github.com/deskflow/pkg/models"
)

// --- in-memory collaborators ---

type memApprovals struct {
	mu   sync.Mutex
	rows map[string]*models.PendingApproval
}

func newMemApprovals() *memApprovals {
	return &memApprovals{rows: map[string]*models.PendingApproval{}}
}

func (m *memApprovals) Insert(_ context.Context, a *models.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ConversationID == a.ConversationID && row.Status == models.ApprovalPending {
			return errors.New("pending approval already exists for conversation")
		}
	}
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memApprovals) ResolvedUnconsumed(_ context.Context, conversationID string) (*models.PendingApproval, error) {
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

func (m *memApprovals) Pending(_ context.Context, conversationID string) (*models.PendingApproval, error) {
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

func (m *memApprovals) MarkConsumed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Consumed {
		return models.ErrNotFound
	}
	row.Consumed = true
	return nil
}

// decide resolves the pending approval for a conversation, as the external
// approval surface would.
func (m *memApprovals) decide(t *testing.T, conversationID string, decision models.DecisionType) {
	t.Helper()
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
			return
		}
	}
	t.Fatalf("no pending approval for %s", conversationID)
}

type memCheckpoints struct {
	mu   sync.Mutex
	rows map[string]*Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{rows: map[string]*Checkpoint{}}
}

func (m *memCheckpoints) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[cp.ConversationID] = cp
	return nil
}

func (m *memCheckpoints) Load(_ context.Context, conversationID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[conversationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cp, nil
}

func (m *memCheckpoints) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[conversationID]; !ok {
		return models.ErrNotFound
	}
	delete(m.rows, conversationID)
	return nil
}

type memOrders struct {
	rows    map[string]*models.Order
	lookups int
}

func (m *memOrders) Lookup(_ context.Context, orderID string) (*models.Order, error) {
	m.lookups++
	if o, ok := m.rows[orderID]; ok {
		return o, nil
	}
	return nil, models.ErrNotFound
}

type memProducts struct{ rows []models.Product }

func (m *memProducts) List(_ context.Context) ([]models.Product, error) { return m.rows, nil }

type memPolicies struct{ rows []models.Policy }

func (m *memPolicies) Candidates(_ context.Context, _ string) ([]models.Policy, error) {
	return m.rows, nil
}

func (m *memPolicies) Context(_ context.Context) (string, error) { return "", nil }

type memInventory struct{ stock map[string]int }

func (m *memInventory) Stock(_ context.Context, productID string) (int, error) {
	if level, ok := m.stock[productID]; ok {
		return level, nil
	}
	return 0, models.ErrNotFound
}

type memFulfillment struct {
	refundErr error
	resendErr error
	refunds   int
	resends   int
}

func (m *memFulfillment) Refund(_ context.Context, orderID, productID string) (*models.Receipt, error) {
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	m.refunds++
	return &models.Receipt{Reference: "RF-1", Action: "refund", OrderID: orderID, ProductID: productID, IssuedAt: time.Now()}, nil
}

func (m *memFulfillment) Resend(_ context.Context, orderID, productID string) (*models.Receipt, error) {
	if m.resendErr != nil {
		return nil, m.resendErr
	}
	m.resends++
	return &models.Receipt{Reference: "RS-1", Action: "resend", OrderID: orderID, ProductID: productID, IssuedAt: time.Now()}, nil
}

// --- fixture ---

type fixture struct {
	graph       *Graph
	script      *oracletest.Script
	approvals   *memApprovals
	checkpoints *memCheckpoints
	fulfillment *memFulfillment
	inventory   *memInventory
	orders      *memOrders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		script:      &oracletest.Script{},
		approvals:   newMemApprovals(),
		checkpoints: newMemCheckpoints(),
		fulfillment: &memFulfillment{},
		inventory:   &memInventory{stock: map[string]int{"P1001": 5, "P1002": 0}},
	}
	f.orders = &memOrders{rows: map[string]*models.Order{
		"ORD12345": {
			ID: "ORD12345", Customer: "jane@example.com", Status: "delivered",
			Items:    []models.OrderItem{{ProductID: "P1001", Quantity: 1, UnitPrice: 199.99}},
			PlacedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		"ORD67890": {
			ID: "ORD67890", Customer: "sam@example.com", Status: "delivered",
			Items:    []models.OrderItem{{ProductID: "P1002", Quantity: 1, UnitPrice: 149.99}},
			PlacedAt: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		},
	}}
	products := &memProducts{rows: []models.Product{
		{ID: "P1001", Name: "Premium Wireless Headphones", Price: 199.99},
		{ID: "P1002", Name: "Smart Fitness Watch", Price: 149.99},
	}}
	policies := &memPolicies{rows: []models.Policy{
		{Name: "Damaged Item Policy", Description: "Replacement or full refund for damaged or defective items."},
		{Name: "Standard Return Policy", Description: "Returns accepted within 30 days."},
	}}
	f.graph = New(Deps{
		Oracle:      f.script,
		Orders:      f.orders,
		Products:    products,
		Policies:    policies,
		Tools:       tools.NewInvoker(f.orders, f.inventory, f.fulfillment),
		Gate:        NewStoreGate(f.approvals),
		Checkpoints: f.checkpoints,
	})
	return f
}

// queueUpToResolve loads the script for validate through policy_select with a
// non-L3 tier so the first gate hit is a privileged tool, not the tier gate.
func (f *fixture) queueUpToResolve(orderID string) {
	f.script.
		QueueClassification(map[string]any{
			"is_support_ticket":  true,
			"has_order_id":       orderID != "",
			"extracted_order_id": orderID,
		}).
		QueueAnswer("L2 - requires investigation of the damaged item").
		QueueAnswer("issue").
		QueueClassification(map[string]any{
			"problem_types": []string{"damaged"},
			"reasoning":     "customer reports the item arrived broken",
		}).
		QueueClassification(map[string]any{
			"policy_name": "Damaged Item Policy",
			"reasoning":   "damage is covered by the damaged item policy",
		})
}

// --- scenarios ---

func TestDamagedOrderResendAfterApproval(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.
		QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "check_stock", Args: map[string]any{"product_id": "P1001"}}).
		QueueToolCalls(oracle.ToolCall{ID: "c2", Name: "resend", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}}).
		QueueFinalAnswer("Dear customer, a replacement for your order ORD12345 is on its way. Customer Support Team")

	state := models.NewTicketState("conv-a", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended, "should suspend on the resend approval")

	assert.True(t, state.IsSupportTicket)
	assert.True(t, state.HasOrderID)
	assert.Equal(t, "ORD12345", state.OrderID)
	assert.Contains(t, state.ProblemTypes, "damaged")
	assert.Nil(t, state.ReplyText, "no reply may exist before a decision")
	assert.Equal(t, 0, f.fulfillment.resends, "privileged tool must not run before approval")

	f.approvals.decide(t, "conv-a", models.DecisionAccept)

	resumed, suspendedAgain, err := f.graph.Resume(context.Background(), "conv-a")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	assert.Equal(t, models.ActionResendIssued, resumed.ActionTaken)
	assert.Equal(t, 1, f.fulfillment.resends)
	require.NotNil(t, resumed.ReplyText)
	assert.False(t, resumed.RequiresHumanReview)

	_, err = f.checkpoints.Load(context.Background(), "conv-a")
	assert.ErrorIs(t, err, models.ErrNotFound, "checkpoint cleared after completion")
}

func TestOutOfStockRefundAfterApproval(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD67890")
	f.script.
		QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "check_stock", Args: map[string]any{"product_id": "P1002"}}).
		QueueToolCalls(oracle.ToolCall{ID: "c2", Name: "refund", Args: map[string]any{"order_id": "ORD67890", "product_id": "P1002"}}).
		QueueFinalAnswer("Dear customer, the item is out of stock so we have issued a refund for ORD67890. Customer Support Team")

	state := models.NewTicketState("conv-b", "My order ORD67890 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended)

	f.approvals.decide(t, "conv-b", models.DecisionAccept)

	resumed, suspendedAgain, err := f.graph.Resume(context.Background(), "conv-b")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	assert.Equal(t, models.ActionRefundIssued, resumed.ActionTaken)
	assert.Contains(t, resumed.ActionReason, "stock")
	assert.Equal(t, 1, f.fulfillment.refunds)
	require.NotNil(t, resumed.ReplyText)
}

func TestDeniedPrivilegedActionFreezesTicket(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.QueueToolCalls(
		oracle.ToolCall{ID: "c1", Name: "resend", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}},
		oracle.ToolCall{ID: "c2", Name: "refund", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}},
	)

	state := models.NewTicketState("conv-c", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended)

	f.approvals.decide(t, "conv-c", models.DecisionIgnore)

	resumed, suspendedAgain, err := f.graph.Resume(context.Background(), "conv-c")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	assert.Equal(t, models.ActionDenied, resumed.ActionTaken)
	assert.Nil(t, resumed.ReplyText)
	assert.True(t, resumed.RequiresHumanReview)
	// The rest of the batch is discarded: the refund never asked for approval
	// and nothing executed.
	assert.Equal(t, 0, f.fulfillment.resends)
	assert.Equal(t, 0, f.fulfillment.refunds)
}

func TestInformationalMessageEndsAtValidate(t *testing.T) {
	f := newFixture(t)
	f.script.QueueClassification(map[string]any{
		"is_support_ticket":  false,
		"has_order_id":       false,
		"extracted_order_id": "",
	})

	state := models.NewTicketState("conv-d", "Do you sell wireless headphones?")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.False(t, state.IsSupportTicket)
	assert.Empty(t, state.Tier, "tier stage must not run")
	assert.Empty(t, state.PolicyName, "policy stage must not run")
	require.Len(t, state.StepLog, 1)
	assert.Equal(t, string(StageValidate), state.StepLog[0].Step)
}

func TestL3DenialRecordsMessageAndContinues(t *testing.T) {
	f := newFixture(t)
	f.script.
		QueueClassification(map[string]any{
			"is_support_ticket":  true,
			"has_order_id":       true,
			"extracted_order_id": "ORD12345",
		}).
		QueueAnswer("L3 - refund or resend likely required")

	state := models.NewTicketState("conv-l3", "My order ORD12345 arrived broken, I want a refund")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended, "L3 tier raises the approval gate")
	assert.Equal(t, models.TierL3, state.Tier)

	f.approvals.decide(t, "conv-l3", models.DecisionIgnore)

	// The graph proceeds past a denied tier classification: queue the rest.
	f.script.
		QueueAnswer("issue").
		QueueClassification(map[string]any{"problem_types": []string{"damaged"}, "reasoning": "broken item"}).
		QueueClassification(map[string]any{"policy_name": "Damaged Item Policy", "reasoning": "covered"}).
		QueueFinalAnswer("Dear customer, we are looking into your order ORD12345. Customer Support Team")

	resumed, suspendedAgain, err := f.graph.Resume(context.Background(), "conv-l3")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	require.NotNil(t, resumed.TierApproved)
	assert.False(t, *resumed.TierApproved)
	assert.Equal(t, models.IntentIssue, resumed.Intent, "intent stage ran despite tier denial")
	require.NotNil(t, resumed.ReplyText)

	denialRecorded := false
	for _, m := range resumed.MessageLog {
		if m.Role == models.RoleAssistant && strings.Contains(strings.ToLower(m.Content), "not approved") {
			denialRecorded = true
		}
	}
	assert.True(t, denialRecorded, "denial message appended to the log")
}

func TestStageOrderAndSingleStepRecords(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.QueueFinalAnswer("Dear customer, your order ORD12345 is being reviewed. Customer Support Team")

	state := models.NewTicketState("conv-order", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.False(t, suspended)

	var steps []string
	for _, s := range state.StepLog {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{
		string(StageValidate), string(StageTier), string(StageIntent),
		string(StageProblem), string(StagePolicy), string(StageResolve),
	}, steps)
}

func TestSuspendedStageYieldsSingleStepRecordAfterResume(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.
		QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "resend", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}}).
		QueueFinalAnswer("Dear customer, a replacement is on its way for ORD12345. Customer Support Team")

	state := models.NewTicketState("conv-steps", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended)

	f.approvals.decide(t, "conv-steps", models.DecisionAccept)
	resumed, _, err := f.graph.Resume(context.Background(), "conv-steps")
	require.NoError(t, err)

	count := 0
	for _, s := range resumed.StepLog {
		if s.Step == string(StageResolve) {
			count++
		}
	}
	assert.Equal(t, 1, count, "suspend+resume must produce exactly one resolve step record")
}

func TestResumeSurvivesProcessRestart(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.
		QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "resend", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}}).
		QueueFinalAnswer("Dear customer, a replacement is on its way for ORD12345. Customer Support Team")

	state := models.NewTicketState("conv-restart", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended)

	f.approvals.decide(t, "conv-restart", models.DecisionAccept)

	// Fresh graph over the same durable stores stands in for a restart.
	restarted := New(Deps{
		Oracle:      f.script,
		Orders:      &memOrders{rows: map[string]*models.Order{}},
		Products:    &memProducts{},
		Policies:    &memPolicies{},
		Tools:       tools.NewInvoker(&memOrders{rows: map[string]*models.Order{}}, f.inventory, f.fulfillment),
		Gate:        NewStoreGate(f.approvals),
		Checkpoints: f.checkpoints,
	})
	resumed, suspendedAgain, err := restarted.Resume(context.Background(), "conv-restart")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	assert.Equal(t, models.ActionResendIssued, resumed.ActionTaken)
	assert.Equal(t, 1, f.fulfillment.resends)
}

func TestToolFailureEscalatesToHumanReview(t *testing.T) {
	f := newFixture(t)
	f.fulfillment.resendErr = errors.New("fulfillment backend unavailable")
	f.queueUpToResolve("ORD12345")
	f.script.QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "resend", Args: map[string]any{"order_id": "ORD12345", "product_id": "P1001"}})

	state := models.NewTicketState("conv-fail", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.True(t, suspended)

	f.approvals.decide(t, "conv-fail", models.DecisionAccept)
	resumed, suspendedAgain, err := f.graph.Resume(context.Background(), "conv-fail")
	require.NoError(t, err)
	assert.False(t, suspendedAgain)
	assert.True(t, resumed.RequiresHumanReview)
	assert.Nil(t, resumed.ReplyText, "no fabricated reply after a failed side effect")
	assert.Equal(t, models.ActionNone, resumed.ActionTaken)
}

func TestUnknownToolNameIsHardError(t *testing.T) {
	f := newFixture(t)
	f.queueUpToResolve("ORD12345")
	f.script.QueueToolCalls(oracle.ToolCall{ID: "c1", Name: "wipe_database", Args: map[string]any{}})

	state := models.NewTicketState("conv-unknown", "My order ORD12345 arrived broken")
	_, err := f.graph.Run(context.Background(), state)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestValidateRejectsNonexistentOrderID(t *testing.T) {
	f := newFixture(t)
	f.script.
		QueueClassification(map[string]any{
			"is_support_ticket":  true,
			"has_order_id":       true,
			"extracted_order_id": "ORD99999",
		}).
		QueueAnswer("L1 - routine status question").
		QueueAnswer("query").
		QueueClassification(map[string]any{"problem_types": []string{"general"}, "reasoning": "general question"}).
		QueueClassification(map[string]any{"policy_name": "Standard Return Policy", "reasoning": "default"}).
		QueueFinalAnswer("Dear customer, please double-check your order number. Customer Support Team")

	state := models.NewTicketState("conv-noorder", "Where is my order ORD99999?")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.False(t, state.HasOrderID, "matching format but nonexistent id leaves has_order_id false")
	assert.Empty(t, state.OrderID)
	assert.Empty(t, state.ProductsSnapshot)
}

func TestNonTicketSkipsOrderLookup(t *testing.T) {
	f := newFixture(t)
	f.script.QueueClassification(map[string]any{
		"is_support_ticket":  false,
		"has_order_id":       true,
		"extracted_order_id": "ORD12345",
	})

	state := models.NewTicketState("conv-promo", "Check out deal ORD12345 in our newsletter!")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.False(t, state.IsSupportTicket)
	assert.Equal(t, 0, f.orders.lookups, "order context is only built for support tickets")
	assert.Empty(t, state.OrderID)
	assert.Empty(t, state.ProductsSnapshot)
}

func TestPolicySelectionNeverInventsNames(t *testing.T) {
	f := newFixture(t)
	f.script.
		QueueClassification(map[string]any{
			"is_support_ticket":  true,
			"has_order_id":       true,
			"extracted_order_id": "ORD12345",
		}).
		QueueAnswer("L2").
		QueueAnswer("issue").
		QueueClassification(map[string]any{"problem_types": []string{"damaged"}, "reasoning": "broken"}).
		// The oracle invents a policy name that is nothing like any candidate.
		QueueClassification(map[string]any{"policy_name": "Zzzz Qqqq Xxxx", "reasoning": "made up"}).
		QueueFinalAnswer("Dear customer, we are reviewing ORD12345. Customer Support Team")

	state := models.NewTicketState("conv-policy", "My order ORD12345 arrived broken")
	suspended, err := f.graph.Run(context.Background(), state)
	require.NoError(t, err)
	require.False(t, suspended)
	assert.Equal(t, "Damaged Item Policy", state.PolicyName, "falls back to the first candidate")
	assert.NotEmpty(t, state.PolicyName, "policy name never empty at resolution")
}

func TestMatchPolicy(t *testing.T) {
	candidates := []models.Policy{
		{Name: "Damaged Item Policy", Description: "d"},
		{Name: "Standard Return Policy", Description: "r"},
	}

	exact, fellBack := matchPolicy("Standard Return Policy", candidates)
	assert.Equal(t, "Standard Return Policy", exact.Name)
	assert.False(t, fellBack)

	fuzzy, fellBack := matchPolicy("standard returns policy", candidates)
	assert.Equal(t, "Standard Return Policy", fuzzy.Name)
	assert.False(t, fellBack)

	fallback, fellBack := matchPolicy("zzzz qqqq xxxx", candidates)
	assert.Equal(t, "Damaged Item Policy", fallback.Name)
	assert.True(t, fellBack)
}

func TestGateRejectsSecondPendingRequest(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewStoreGate(approvals)

	_, ok, err := gate.Request(context.Background(), "conv-g", Request{Action: "refund"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-entry without a decision does not insert a duplicate.
	_, ok, err = gate.Request(context.Background(), "conv-g", Request{Action: "refund"})
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := approvals.Pending(context.Background(), "conv-g")
	require.NoError(t, err)
	assert.Equal(t, "refund", pending.ActionName)
}

func TestGateConsumesDecisionOnce(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewStoreGate(approvals)

	_, ok, err := gate.Request(context.Background(), "conv-h", Request{Action: "resend"})
	require.NoError(t, err)
	require.False(t, ok)

	approvals.decide(t, "conv-h", models.DecisionAccept)

	decision, ok, err := gate.Request(context.Background(), "conv-h", Request{Action: "resend"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DecisionAccept, decision)

	// The decision is consumed: a second request starts a new pending cycle.
	_, ok, err = gate.Request(context.Background(), "conv-h", Request{Action: "resend"})
	require.NoError(t, err)
	assert.False(t, ok)
}

// staleReadApprovals hands out a cached copy of the last resolved row on the
// next read, standing in for a second resume that read the decision before
// the first one consumed it.
type staleReadApprovals struct {
	*memApprovals
	stale *models.PendingApproval
}

func (s *staleReadApprovals) ResolvedUnconsumed(ctx context.Context, conversationID string) (*models.PendingApproval, error) {
	if s.stale != nil {
		row := s.stale
		s.stale = nil
		return row, nil
	}
	row, err := s.memApprovals.ResolvedUnconsumed(ctx, conversationID)
	if err == nil {
		cp := *row
		s.stale = &cp
	}
	return row, err
}

func TestGateLostConsumeRaceYieldsNoDecision(t *testing.T) {
	approvals := &staleReadApprovals{memApprovals: newMemApprovals()}
	gate := NewStoreGate(approvals)

	_, ok, err := gate.Request(context.Background(), "conv-race", Request{Action: "resend"})
	require.NoError(t, err)
	require.False(t, ok)

	approvals.decide(t, "conv-race", models.DecisionAccept)

	decision, ok, err := gate.Request(context.Background(), "conv-race", Request{Action: "resend"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DecisionAccept, decision)

	// The racing caller sees the same resolved row but loses the consume:
	// it gets no decision and must not execute the action.
	_, ok, err = gate.Request(context.Background(), "conv-race", Request{Action: "resend"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Losing the race does not open a fresh approval cycle either.
	_, err = approvals.Pending(context.Background(), "conv-race")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
