package tier

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pendingRecorder struct{ last float64 }

func (r *pendingRecorder) ObservePendingCharges(v float64) { r.last = v }

func TestParse(t *testing.T) {
	got, err := Parse(" Pro ")
	require.NoError(t, err)
	assert.Equal(t, Pro, got)

	_, err = Parse("enterprise")
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestFreemiumPieceCeiling(t *testing.T) {
	g, err := NewGuard(Freemium)
	require.NoError(t, err)

	d := g.CanPerform(OpAddPiece, 1, Counts{Pieces: 9})
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresPayment)

	d = g.CanPerform(OpAddPiece, 1, Counts{Pieces: 10})
	assert.False(t, d.Allowed)
	require.ErrorIs(t, d.Reason, ErrTierLimit)
	require.NotNil(t, d.UpgradePrompt)
	assert.Equal(t, Pro, d.UpgradePrompt.SuggestedTier)
	assert.True(t, d.UpgradePrompt.MonthlyPrice.Equal(decimal.New(5, 0)))
	assert.Contains(t, d.UpgradePrompt.Message, "upgrade to pro")

	require.NoError(t, g.SetTier(Pro))
	d = g.CanPerform(OpAddPiece, 1, Counts{Pieces: 10})
	assert.True(t, d.Allowed)
}

func TestProPayPerUse(t *testing.T) {
	g, err := NewGuard(Pro)
	require.NoError(t, err)

	d := g.CanPerform(OpAddPiece, 1, Counts{Pieces: 25})
	assert.True(t, d.Allowed)
	assert.True(t, d.RequiresPayment)
	assert.True(t, d.Cost.Equal(decimal.RequireFromString("0.02")), d.Cost.String())
	require.ErrorIs(t, d.Reason, ErrPayRequired)

	d = g.CanPerform(OpAddPiece, 3, Counts{Pieces: 24})
	assert.True(t, d.Cost.Equal(decimal.RequireFromString("0.04")), d.Cost.String())

	pending, err := g.AcceptCharge(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "0.02", pending.StringFixed(2))
	assert.Equal(t, 1, g.ExtraPiecesUsed())
}

func TestAutoPayClearsOnceAtThreshold(t *testing.T) {
	ledger := NewLedger()
	rec := &pendingRecorder{}
	g, err := NewGuard(Pro, WithAutoPay(true, true), WithBilling(ledger), WithRecorder(rec))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 499; i++ {
		_, err := g.AcceptCharge(ctx, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, "9.98", g.PendingCharges().StringFixed(2))
	assert.Empty(t, ledger.Charges())

	left, err := g.AcceptCharge(ctx, 1)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
	require.Len(t, ledger.Charges(), 1)
	assert.Equal(t, "10.00", ledger.Total().StringFixed(2))
	assert.Equal(t, 500, g.ExtraPiecesUsed())
	assert.Zero(t, rec.last)
}

func TestAutoPayNeedsPaymentMethod(t *testing.T) {
	ledger := NewLedger()
	g, err := NewGuard(Pro, WithAutoPay(true, false), WithBilling(ledger), WithThreshold(decimal.RequireFromString("0.04")))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := g.AcceptCharge(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Empty(t, ledger.Charges())
	assert.Equal(t, "0.10", g.PendingCharges().StringFixed(2))
}

func TestAutoPayFailureKeepsPending(t *testing.T) {
	ledger := NewLedger()
	ledger.FailWith(errors.New("card declined"))
	g, err := NewGuard(Pro, WithAutoPay(true, true), WithBilling(ledger), WithThreshold(decimal.RequireFromString("0.02")))
	require.NoError(t, err)

	pending, err := g.AcceptCharge(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "0.02", pending.StringFixed(2))
}

func TestAcceptChargeWithoutPayPerUse(t *testing.T) {
	g, err := NewGuard(Studio)
	require.NoError(t, err)
	_, err = g.AcceptCharge(context.Background(), 1)
	require.ErrorIs(t, err, ErrTierLimit)
}

func TestCustomPiecesAndConnections(t *testing.T) {
	g, err := NewGuard(Freemium)
	require.NoError(t, err)
	assert.False(t, g.CanPerform(OpAddCustomPiece, 1, Counts{}).Allowed)
	assert.False(t, g.CanPerform(OpConnect, 1, Counts{Connections: 20}).Allowed)
	assert.True(t, g.CanPerform(OpConnect, 1, Counts{Connections: 19}).Allowed)

	require.NoError(t, g.SetTier(Pro))
	assert.True(t, g.CanPerform(OpAddCustomPiece, 1, Counts{CustomPieces: 9}).Allowed)
	assert.False(t, g.CanPerform(OpAddCustomPiece, 1, Counts{CustomPieces: 10}).Allowed)

	require.NoError(t, g.SetTier(Studio))
	d := g.CanPerform(OpAddCustomPiece, 1, Counts{CustomPieces: 10000})
	assert.True(t, d.Allowed)
	assert.True(t, g.CanPerform(OpConnect, 1, Counts{Connections: 10000}).Allowed)

	d = g.CanPerform(OpAddPiece, 1, Counts{Pieces: 50})
	assert.False(t, d.Allowed)
	require.NotNil(t, d.UpgradePrompt)
	assert.Equal(t, Tier(""), d.UpgradePrompt.SuggestedTier)
}

func TestSaveLimits(t *testing.T) {
	g, err := NewGuard(Freemium)
	require.NoError(t, err)
	d := g.CanPerform(OpSave, 1, Counts{ProjectID: "a"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.UpgradePrompt.Message, "saving is not available")

	require.NoError(t, g.SetTier(Pro))
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		require.True(t, g.CanPerform(OpSave, 1, Counts{ProjectID: id}).Allowed)
		g.RecordSave(id)
	}
	assert.False(t, g.CanPerform(OpSave, 1, Counts{ProjectID: "new"}).Allowed)
	assert.True(t, g.CanPerform(OpSave, 1, Counts{ProjectID: "c"}).Allowed, "re-saving an existing project")
}

func TestTemplates(t *testing.T) {
	g, err := NewGuard(Freemium)
	require.NoError(t, err)
	assert.True(t, g.CanUseTemplate(TemplateBasic).Allowed)
	d := g.CanUseTemplate(TemplateAdvanced)
	assert.False(t, d.Allowed)
	assert.Equal(t, OpUseTemplate, d.UpgradePrompt.Operation)

	require.NoError(t, g.SetTier(Pro))
	assert.True(t, g.CanUseTemplate(TemplateAdvanced).Allowed)
	assert.False(t, g.CanUseTemplate(TemplatePremium).Allowed)

	require.NoError(t, g.SetTier(Studio))
	assert.True(t, g.CanUseTemplate(TemplatePremium).Allowed)
}

func TestSnapshotRestore(t *testing.T) {
	g, err := NewGuard(Pro)
	require.NoError(t, err)
	_, err = g.AcceptCharge(context.Background(), 3)
	require.NoError(t, err)
	g.RecordSave("a1")

	snap := g.Snapshot()
	assert.Equal(t, 3, snap.ExtraPiecesUsed)
	assert.Equal(t, "0.06", snap.PendingCharges)

	h, err := NewGuard(Pro)
	require.NoError(t, err)
	h.Restore(snap)
	assert.Equal(t, snap, h.Snapshot())
}

func TestUnknownOperation(t *testing.T) {
	g, err := NewGuard(Pro)
	require.NoError(t, err)
	d := g.CanPerform("teleport", 1, Counts{})
	assert.False(t, d.Allowed)
	require.ErrorIs(t, d.Reason, ErrUnknownOperation)
}
