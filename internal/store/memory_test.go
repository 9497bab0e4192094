package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskflow/internal/engine"
	"github.com/deskflow/pkg/models"
)

func TestMemoryClaimIsAtomicPerMessage(t *testing.T) {
	m := NewMemory()
	claim := &models.MessageClaim{
		ExternalMessageID: "m1",
		ConversationID:    "t1",
		Status:            models.ClaimPending,
		ClaimedAt:         time.Now().UTC(),
	}

	ok, err := m.Claims.Claim(context.Background(), claim)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claims.Claim(context.Background(), claim)
	require.NoError(t, err)
	assert.True(t, ok, "a claim still pending can be taken over for retry")

	require.NoError(t, m.Claims.UpdateStatus(context.Background(), "m1", models.ClaimProcessing))
	ok, err = m.Claims.Claim(context.Background(), claim)
	require.NoError(t, err)
	assert.False(t, ok, "a claim past pending stays with its owner")
}

func TestMemoryApprovalsSinglePendingPerConversation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &models.PendingApproval{ID: "a1", ConversationID: "t1", ActionName: "refund",
		Status: models.ApprovalPending, RequestedAt: time.Now().UTC()}
	require.NoError(t, m.Approvals.Insert(ctx, first))

	second := &models.PendingApproval{ID: "a2", ConversationID: "t1", ActionName: "resend",
		Status: models.ApprovalPending, RequestedAt: time.Now().UTC()}
	assert.Error(t, m.Approvals.Insert(ctx, second), "requests are strictly sequential per conversation")
}

func TestMemoryApprovalsResolveAndConsume(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Approvals.Insert(ctx, &models.PendingApproval{
		ID: "a1", ConversationID: "t1", ActionName: "refund",
		Status: models.ApprovalPending, RequestedAt: time.Now().UTC(),
	}))

	_, err := m.Approvals.ResolvedUnconsumed(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	resolved, err := m.Approvals.Resolve(ctx, "t1", models.DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalAccepted, resolved.Status)

	got, err := m.Approvals.ResolvedUnconsumed(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAccept, got.Decision())

	require.NoError(t, m.Approvals.MarkConsumed(ctx, got.ID))
	_, err = m.Approvals.ResolvedUnconsumed(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = m.Approvals.MarkConsumed(ctx, got.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "only one consumer may claim a decision")

	pending, err := m.Approvals.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryCheckpointRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	state := models.NewTicketState("t1", "My order ORD12345 arrived broken")
	cp := &engine.Checkpoint{
		ConversationID: "t1",
		Stage:          engine.StageResolve,
		State:          state,
		Resolve:        &engine.ResolveCheckpoint{Index: 1},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.Checkpoints.Save(ctx, cp))

	loaded, err := m.Checkpoints.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, engine.StageResolve, loaded.Stage)
	assert.Equal(t, 1, loaded.Resolve.Index)

	require.NoError(t, m.Checkpoints.Delete(ctx, "t1"))
	_, err = m.Checkpoints.Load(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryCatalogSeedData(t *testing.T) {
	m := NewMemory()
	m.SeedDemoData()
	ctx := context.Background()

	order, err := m.Catalog.Lookup(ctx, "ORD12345")
	require.NoError(t, err)
	assert.Equal(t, "P1001", order.Items[0].ProductID)

	_, err = m.Catalog.Lookup(ctx, "ORD00000")
	assert.ErrorIs(t, err, models.ErrNotFound)

	products, err := m.Catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, products, 5)
	assert.Equal(t, "P1001", products[0].ID, "products listed in id order")

	stock, err := m.Catalog.Stock(ctx, "P1002")
	require.NoError(t, err)
	assert.Equal(t, 0, stock, "P1002 is seeded out of stock")
}

func TestMemoryCatalogCandidatesFilterByProblemTags(t *testing.T) {
	m := NewMemory()
	m.SeedDemoData()
	ctx := context.Background()

	candidates, err := m.Catalog.Candidates(ctx, "My order arrived damaged and broken")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "Damaged Item Policy", candidates[0].Name)

	all, err := m.Catalog.Candidates(ctx, "hello there")
	require.NoError(t, err)
	assert.Len(t, all, len(DemoPolicies()), "no tag hit offers the whole set")
}

func TestMemoryCatalogResendDecrementsStock(t *testing.T) {
	m := NewMemory()
	m.SeedDemoData()
	ctx := context.Background()

	receipt, err := m.Catalog.Resend(ctx, "ORD12345", "P1001")
	require.NoError(t, err)
	assert.Equal(t, "resend", receipt.Action)

	stock, err := m.Catalog.Stock(ctx, "P1001")
	require.NoError(t, err)
	assert.Equal(t, 11, stock)

	_, err = m.Catalog.Resend(ctx, "ORD67890", "P1002")
	assert.Error(t, err, "resend of an out-of-stock product fails")

	_, err = m.Catalog.Refund(ctx, "ORD67890", "P1002")
	assert.NoError(t, err, "refund does not touch inventory")
}

func TestMemoryCursor(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Cursor.Cursor(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, m.Cursor.SetCursor(ctx, "784512"))
	cursor, err := m.Cursor.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "784512", cursor)
}
