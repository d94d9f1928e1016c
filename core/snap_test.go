package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

type snapFixture struct {
	asm   *fakeAssembly
	rec   *events.Recorder
	clock *timectrl.ManualClock
	sched *timectrl.Scheduler
	snap  *SnapService
}

type outcomeCounter map[string]int

func (o outcomeCounter) ObserveSnap(outcome string) { o[outcome]++ }

// Piece A carries point "a" one unit to its right; piece B at x=5 carries
// point "b" one unit to its left, so B's point sits at world (4,0,0).
func newSnapFixture(t *testing.T, cfg SnapConfig, animate bool) *snapFixture {
	t.Helper()
	rec := &events.Recorder{}
	asm := newFakeAssembly(rec)
	asm.add("A", model.V(0, 0, 0), model.NewConnectionPoint("", "a", "a", model.V(1, 0, 0), "b"))
	asm.add("B", model.V(5, 0, 0), model.NewConnectionPoint("", "b", "b", model.V(-1, 0, 0), "a"))

	clock := timectrl.NewManualClock(epoch)
	opts := []SnapOption{
		WithSnapEvents(rec),
		WithSnapClock(clock),
		WithSpatialIndex(NewSpatialIndex(asm.store, clock, DefaultCellSize, DefaultRebuildInterval)),
	}
	sched := timectrl.NewScheduler()
	if animate {
		opts = append(opts, WithScheduler(sched))
	}
	return &snapFixture{asm: asm, rec: rec, clock: clock, sched: sched, snap: NewSnapService(asm, cfg, opts...)}
}

func (f *snapFixture) tick(d time.Duration) {
	f.sched.Advance(f.clock.Advance(d))
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestSnapCommitAlignsPoints(t *testing.T) {
	cfg := DefaultSnapConfig()
	cfg.SnapDistance = 1.0
	cfg.SnapStrength = 1.0
	f := newSnapFixture(t, cfg, true)
	ctx := context.Background()

	if err := f.snap.BeginDrag(ctx, "A"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	// A's point lands at (3.7,0,0), 0.3 from B's point.
	fb, err := f.snap.Drag(ctx, model.V(2.7, 0, 0))
	if err != nil {
		t.Fatalf("Drag: %v", err)
	}
	if !fb.InRange || fb.Candidate == nil || fb.Candidate.TargetPointID != "B-b" {
		t.Fatalf("expected in-range candidate, got %+v", fb)
	}
	if d := fb.Candidate.Distance; d < 0.3-1e-9 || d > 0.3+1e-9 {
		t.Fatalf("candidate distance = %v, want 0.3", d)
	}
	// Pull of (1-0.3)*1.0 toward the aligning pose at x=3.
	if got := fb.Pose.Position.X; got < 2.91-1e-9 || got > 2.91+1e-9 {
		t.Fatalf("pulled x = %v, want 2.91", got)
	}

	op, err := f.snap.Drop(ctx)
	if err != nil || op == nil {
		t.Fatalf("Drop = %v, %v", op, err)
	}
	if !f.snap.IsSnapping() {
		t.Fatalf("expected snapping during animation")
	}
	if f.asm.graph.Len() != 0 {
		t.Fatalf("connection committed before animation finished")
	}
	if _, err := f.snap.Drop(ctx); !errors.Is(err, ErrSnapBusy) {
		t.Fatalf("second drop err = %v, want ErrSnapBusy", err)
	}

	for elapsed := time.Duration(0); elapsed <= 400*time.Millisecond; elapsed += 50 * time.Millisecond {
		f.tick(50 * time.Millisecond)
	}
	out, done := op.Outcome()
	if !done || out.Err != nil {
		t.Fatalf("outcome = %+v, done=%v", out, done)
	}
	if countType(f.rec.Events(), events.ConnectionCreated) != 1 {
		t.Fatalf("connection-created fired %d times", countType(f.rec.Events(), events.ConnectionCreated))
	}
	if countType(f.rec.Events(), events.MagneticSnapComplete) != 1 {
		t.Fatalf("magnetic-snap-complete not published")
	}

	a := f.asm.store.Piece("A")
	b := f.asm.store.Piece("B")
	wa := WorldPoint(a.Pose, a.Point("a").Position)
	wb := WorldPoint(b.Pose, b.Point("b").Position)
	if wa.DistanceTo(wb) > 1e-6 {
		t.Fatalf("points not aligned: %+v vs %+v", wa.Plain(), wb.Plain())
	}
	if !a.Point("a").IsOccupied || a.Point("a").ConnectedTo != "B-b" {
		t.Fatalf("point not occupied after snap: %+v", a.Point("a"))
	}
	if f.snap.IsSnapping() {
		t.Fatalf("snapping flag not cleared")
	}
}

func TestSnapWithoutSchedulerPlacesInstantly(t *testing.T) {
	cfg := DefaultSnapConfig()
	cfg.SnapStrength = 0.1
	f := newSnapFixture(t, cfg, false)
	ctx := context.Background()

	_ = f.snap.BeginDrag(ctx, "A")
	if _, err := f.snap.Drag(ctx, model.V(2.8, 0, 0)); err != nil {
		t.Fatalf("Drag: %v", err)
	}
	op, err := f.snap.Drop(ctx)
	if err != nil || op == nil {
		t.Fatalf("Drop = %v, %v", op, err)
	}
	out, done := op.Outcome()
	if !done || out.Err != nil || out.Connection.ID == "" {
		t.Fatalf("outcome = %+v, done=%v", out, done)
	}
}

func TestDropOutsideHalfDistanceIsPlainMove(t *testing.T) {
	cfg := DefaultSnapConfig()
	cfg.SnapStrength = 0.1
	f := newSnapFixture(t, cfg, true)
	ctx := context.Background()

	_ = f.snap.BeginDrag(ctx, "A")
	// 0.8 away: in snap range for the pull, but not within half distance.
	fb, _ := f.snap.Drag(ctx, model.V(2.2, 0, 0))
	if !fb.InRange {
		t.Fatalf("expected pull while in range")
	}
	op, err := f.snap.Drop(ctx)
	if err != nil || op != nil {
		t.Fatalf("Drop = %v, %v; want plain move", op, err)
	}
	if f.asm.graph.Len() != 0 {
		t.Fatalf("unexpected connection")
	}
	if f.asm.moves != 1 {
		t.Fatalf("pose committed %d times, want 1", f.asm.moves)
	}
	if got := f.asm.store.Piece("A").Pose.Position.X; got != fb.Pose.Position.X {
		t.Fatalf("drop pose x = %v, want %v", got, fb.Pose.Position.X)
	}
}

func TestCancelDragAbortsAnimation(t *testing.T) {
	cfg := DefaultSnapConfig()
	cfg.SnapStrength = 1
	f := newSnapFixture(t, cfg, true)
	ctx := context.Background()

	_ = f.snap.BeginDrag(ctx, "A")
	_, _ = f.snap.Drag(ctx, model.V(2.9, 0, 0))
	op, err := f.snap.Drop(ctx)
	if err != nil || op == nil {
		t.Fatalf("Drop = %v, %v", op, err)
	}
	f.tick(100 * time.Millisecond)

	if !f.snap.CancelDrag() {
		t.Fatalf("CancelDrag reported nothing to cancel")
	}
	for i := 0; i < 10; i++ {
		f.tick(100 * time.Millisecond)
	}
	out, done := op.Outcome()
	if !done || !out.Cancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if f.asm.graph.Len() != 0 || f.asm.moves != 0 {
		t.Fatalf("cancel left side effects: conns=%d moves=%d", f.asm.graph.Len(), f.asm.moves)
	}
	if got := f.asm.store.Piece("A").Pose.Position.X; got != 0 {
		t.Fatalf("piece moved to %v", got)
	}
	if f.snap.IsSnapping() {
		t.Fatalf("still snapping after cancel")
	}
}

func TestRefusedSnapRestoresOriginalPose(t *testing.T) {
	cfg := DefaultSnapConfig()
	f := newSnapFixture(t, cfg, false)
	counts := outcomeCounter{}
	f.snap = NewSnapService(f.asm, cfg, WithSnapEvents(f.rec), WithSnapRecorder(counts))
	f.asm.refuse = errors.New("tier limit")
	ctx := context.Background()

	_ = f.snap.BeginDrag(ctx, "A")
	_, _ = f.snap.Drag(ctx, model.V(2.95, 0, 0))
	op, _ := f.snap.Drop(ctx)
	if op == nil {
		t.Fatalf("expected snap attempt")
	}
	out, _ := op.Outcome()
	if out.Err == nil || out.Pose.Position.X != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if counts["refused"] != 1 {
		t.Fatalf("refusal not recorded: %v", counts)
	}
	if f.asm.store.Piece("A").Pose.Position.X != 0 {
		t.Fatalf("piece did not keep its original pose")
	}
}

func TestSnapSkipsOccupiedAndIncompatiblePoints(t *testing.T) {
	f := newSnapFixture(t, DefaultSnapConfig(), false)
	f.asm.add("C", model.V(3.5, 0, 0), model.NewConnectionPoint("", "c", "c", model.V(0, 0, 0), "zzz"))
	c := f.snap.FindCandidate("A", model.At(model.V(2.5, 0, 0)), 1.0)
	if c == nil || c.TargetPieceID != "B" {
		t.Fatalf("candidate = %+v, want B", c)
	}

	f.asm.add("D", model.V(9, 9, 9), model.NewConnectionPoint("", "d", "d", model.V(0, 0, 0), "b"))
	f.asm.connect("c1", "B", "B-b", "D", "D-d")
	if c := f.snap.FindCandidate("A", model.At(model.V(2.5, 0, 0)), 1.0); c != nil {
		t.Fatalf("occupied point offered: %+v", c)
	}
}

func TestBeginDragRefusesLockedPiece(t *testing.T) {
	f := newSnapFixture(t, DefaultSnapConfig(), false)
	_ = f.asm.store.Lock("A")
	if err := f.snap.BeginDrag(context.Background(), "A"); !errors.Is(err, ErrDragLocked) {
		t.Fatalf("BeginDrag err = %v", err)
	}
	if _, err := f.snap.Drag(context.Background(), model.V(1, 1, 1)); !errors.Is(err, ErrNoDrag) {
		t.Fatalf("Drag without drag err = %v", err)
	}
}
