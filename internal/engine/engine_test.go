package engine

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/instructions"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/storage"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/internal/yarn"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(logging.Noop()),
		WithClock(timectrl.NewManualClock(epoch)),
		WithName("bear"),
	}
	e, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func addBear(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	a := e.Assembly()
	_, err := a.AddPiece(ctx, &model.Piece{
		ID: "H", Name: "Head", Type: model.PieceHead, Color: 0x8b4513,
		Pose: model.At(model.V(0, 0, 0)),
		ConnectionPoints: []*model.ConnectionPoint{
			model.NewConnectionPoint("H", "neck", "neck", model.V(0, 1, 0), "neck_joint"),
		},
		Metadata: model.PieceMetadata{Pattern: []string{"MR", "sc", "sc", "inc"}},
	})
	require.NoError(t, err)
	_, err = a.AddPiece(ctx, &model.Piece{
		ID: "B", Name: "Body", Type: model.PieceBody, Color: 0xffffff,
		Pose: model.At(model.V(0, -3, 0)),
		ConnectionPoints: []*model.ConnectionPoint{
			model.NewConnectionPoint("B", "neck_joint", "neck_joint", model.V(0, 2, 0), "neck"),
		},
		Metadata: model.PieceMetadata{Pattern: []string{"MR", "sc"}},
	})
	require.NoError(t, err)
	_, err = a.Connect(ctx, "H", "neck", "B", "neck_joint")
	require.NoError(t, err)
}

func TestNewWiresComponents(t *testing.T) {
	e := newTestEngine(t, config.Default())
	addBear(t, e)

	assert.Equal(t, 1, e.Bridges().Len())
	bridges := e.Bridges().ForPiece("H")
	require.Len(t, bridges, 1)
	assert.Equal(t, model.Color(0xfffdd0), bridges[0].Style.Color)

	m := e.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Pieces))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Bridges))

	require.NoError(t, e.Assembly().Disconnect(context.Background(), e.Assembly().Connections()[0].ID))
	assert.Equal(t, 0, e.Bridges().Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Bridges))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Snap.SnapDistance = 10
	_, err := New(context.Background(), cfg, WithLogger(logging.Noop()))
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = config.Default()
	cfg.Validation.Rules = map[string]config.RuleConfig{"made-up": {}}
	_, err = New(context.Background(), cfg, WithLogger(logging.Noop()))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestEnginesDoNotShareState(t *testing.T) {
	one := newTestEngine(t, config.Default())
	two := newTestEngine(t, config.Default())
	addBear(t, one)

	assert.Equal(t, 2, one.Assembly().PieceCount())
	assert.Equal(t, 0, two.Assembly().PieceCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(two.Metrics().Pieces))
}

func TestApplyHotReload(t *testing.T) {
	e := newTestEngine(t, config.Default())

	cfg := config.Default()
	cfg.Tier.Name = "pro"
	cfg.Tier.AutoPay = true
	cfg.Tier.HasPaymentMethod = true
	cfg.Snap.SnapDistance = 2
	cfg.Bridges.YarnColor = "#ff0000"
	cfg.Validation.Rules = map[string]config.RuleConfig{"no-floating-pieces": {Severity: "error"}}
	require.NoError(t, e.Apply(context.Background(), cfg))

	assert.Equal(t, tier.Pro, e.Assembly().Tier())
	assert.Equal(t, 2.0, e.Snap().Config().SnapDistance)
	assert.Equal(t, "pro", e.Config().Tier.Name)
	r, ok := e.Assembly().Validator().Rule("no-floating-pieces")
	require.True(t, ok)
	assert.Equal(t, validation.SeverityError, r.Severity)

	addBear(t, e)
	bridges := e.Bridges().List()
	require.Len(t, bridges, 1)
	assert.Equal(t, model.Color(0xff0000), bridges[0].Style.Color)

	bad := cfg
	bad.Bridges.YarnSag = 1
	assert.ErrorIs(t, e.Apply(context.Background(), bad), config.ErrInvalid)
	assert.Equal(t, 2.0, e.Snap().Config().SnapDistance, "rejected config leaves settings alone")
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine(t, config.Default())
	addBear(t, src)

	arts, err := src.Export(ctx, "json")
	require.NoError(t, err)
	require.Len(t, arts, 1)

	dst := newTestEngine(t, config.Default())
	doc, err := dst.Import(ctx, arts[0].Filename, arts[0].Data, exchange.ImportOptions{})
	require.NoError(t, err)
	assert.Len(t, doc.Assembly.Pieces, 2)

	a := dst.Assembly()
	assert.Equal(t, 2, a.PieceCount())
	assert.Len(t, a.Connections(), 1)
	assert.Equal(t, 1, dst.Bridges().Len(), "restore rebuilds bridges")
	require.NoError(t, a.CheckInvariants())
}

func TestImportKeepsConfiguredTier(t *testing.T) {
	ctx := context.Background()
	studio := config.Default()
	studio.Tier.Name = "studio"
	src := newTestEngine(t, studio)
	addBear(t, src)
	arts, err := src.Export(ctx, "json")
	require.NoError(t, err)

	// Hand-edit the account fields the way an untrusted file could.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(arts[0].Data, &doc))
	asm := doc["assembly"].(map[string]any)
	assert.Equal(t, "studio", asm["currentTier"])
	asm["usage"] = map[string]any{"pendingCharges": "99.00", "extraPiecesUsed": 7, "savedProjects": []any{"a", "b"}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	dst := newTestEngine(t, config.Default())
	before := dst.Assembly().Guard().PendingCharges()
	_, err = dst.Import(ctx, arts[0].Filename, data, exchange.ImportOptions{})
	require.NoError(t, err)

	a := dst.Assembly()
	assert.Equal(t, 2, a.PieceCount())
	assert.Equal(t, tier.Freemium, a.Tier())
	assert.Equal(t, tier.Freemium, a.Guard().Tier())
	assert.True(t, before.Equal(a.Guard().PendingCharges()))
	assert.Equal(t, string(tier.Freemium), a.Snapshot().CurrentTier)

	_, err = a.Save(ctx)
	assert.ErrorIs(t, err, tier.ErrTierLimit, "freemium still cannot save")
}

func TestImportRejectsGarbage(t *testing.T) {
	e := newTestEngine(t, config.Default())
	addBear(t, e)

	_, err := e.Import(context.Background(), "broken.json", []byte(`{"version":"1.0.0"}`), exchange.ImportOptions{})
	require.ErrorIs(t, err, exchange.ErrInvalidDocument)
	assert.Equal(t, 2, e.Assembly().PieceCount(), "failed import keeps content")
}

func TestSharedStoreSurvivesClose(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory(0)
	cfg := config.Default()
	cfg.Tier.Name = "pro"

	e := newTestEngine(t, cfg, WithStore(kv), WithAssemblyID("asm-1"))
	addBear(t, e)
	_, err := e.Assembly().Save(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	again := newTestEngine(t, cfg, WithStore(kv), WithAssemblyID("other"))
	_, err = again.Assembly().Load(ctx, "asm-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Assembly().PieceCount())
	assert.Equal(t, 1, again.Bridges().Len())
}

func TestDerivedOutputs(t *testing.T) {
	e := newTestEngine(t, config.Default())

	hints := e.Suggestions()
	require.Len(t, hints, 1)
	assert.Equal(t, exchange.SuggestEmpty, hints[0].Kind)

	addBear(t, e)
	usage, err := e.YarnByColor(yarn.LengthOptions{Weight: yarn.Medium})
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, model.Color(0x8b4513), usage[0].Color)
	assert.Equal(t, 4, usage[0].Stitches)

	doc, err := e.GenerateInstructions(instructions.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Sections)
	assert.Equal(t, epoch, doc.GeneratedAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, config.Default(), WithAcceleratedTicks())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, e.Ticker().Now().After(epoch), "accelerated ticks advance time")
}
