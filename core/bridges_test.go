package core

import (
	"context"
	"testing"
	"time"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

func bridgeFixture(cfg BridgeConfig, sched *timectrl.Scheduler) (*fakeAssembly, *events.Bus, *BridgeStore) {
	bus := events.NewBus()
	f := newFakeAssembly(bus)
	f.add("H", model.V(0, 0, 0), model.NewConnectionPoint("", "neck", "neck", model.V(0, 1, 0)))
	f.add("B", model.V(0, 3, 0), model.NewConnectionPoint("", "neck_joint", "neck_joint", model.V(0, -1, 0)))
	var opts []BridgeOption
	if sched != nil {
		opts = append(opts, WithBridgeScheduler(sched))
	}
	store := NewBridgeStore(f, cfg, opts...)
	store.Attach(bus)
	return f, bus, store
}

func TestBridgeFollowsConnectionLifecycle(t *testing.T) {
	cfg := DefaultBridgeConfig()
	cfg.AnimateCreation = false
	f, bus, store := bridgeFixture(cfg, nil)

	f.connect("c1", "H", "H-neck", "B", "B-neck_joint")
	br, ok := store.Get("c1")
	if !ok {
		t.Fatalf("bridge not created")
	}
	if br.World1.Plain() != model.V(0, 1, 0).Plain() || br.World2.Plain() != model.V(0, 2, 0).Plain() {
		t.Fatalf("bridge endpoints %+v %+v", br.World1.Plain(), br.World2.Plain())
	}
	if br.Growth != 1 || br.Style.Thickness != cfg.YarnThickness {
		t.Fatalf("bridge = %+v", br)
	}

	if err := f.UpdatePiecePose(context.Background(), "B", model.At(model.V(2, 3, 0))); err != nil {
		t.Fatalf("UpdatePiecePose: %v", err)
	}
	br, _ = store.Get("c1")
	if br.World2.Plain() != model.V(2, 2, 0).Plain() {
		t.Fatalf("bridge did not follow move: %+v", br.World2.Plain())
	}
	if len(store.ForPiece("H")) != 1 || len(store.ForPiece("nobody")) != 0 {
		t.Fatalf("reverse index wrong")
	}

	if _, err := f.graph.Remove("c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	bus.Publish(events.Event{Type: events.ConnectionRemoved, ConnectionID: "c1"})
	if store.Len() != 0 {
		t.Fatalf("bridge not disposed")
	}

	store.Close()
	if bus.Len() != 0 {
		t.Fatalf("store still subscribed")
	}
}

func TestBridgeGrowthAnimation(t *testing.T) {
	sched := timectrl.NewScheduler()
	f, _, store := bridgeFixture(DefaultBridgeConfig(), sched)
	f.connect("c1", "H", "H-neck", "B", "B-neck_joint")

	br, _ := store.Get("c1")
	if br.Growth != 0 {
		t.Fatalf("growth starts at %v", br.Growth)
	}
	now := epoch
	for i := 0; i <= 4; i++ {
		sched.Advance(now)
		now = now.Add(100 * time.Millisecond)
	}
	br, _ = store.Get("c1")
	if br.Growth != 1 {
		t.Fatalf("growth = %v after animation", br.Growth)
	}
	if sched.Len() != 0 {
		t.Fatalf("grow task still scheduled")
	}
}

func TestBridgeRebuildOnRestoreAndSkipsBroken(t *testing.T) {
	cfg := DefaultBridgeConfig()
	f, bus, store := bridgeFixture(cfg, nil)
	f.connect("c1", "H", "H-neck", "B", "B-neck_joint")

	bus.Publish(events.Event{Type: events.ConnectionCreated, ConnectionID: "ghost",
		Connection: &model.Connection{ID: "ghost", Piece1ID: "H", Point1ID: "H-x", Piece2ID: "B", Point2ID: "B-y"}})
	if _, ok := store.Get("ghost"); ok {
		t.Fatalf("bridge with unresolved endpoints was created")
	}

	bus.Publish(events.Event{Type: events.AssemblyRestored})
	if store.Len() != 1 {
		t.Fatalf("bridges after rebuild = %d", store.Len())
	}

	cfg.YarnThickness = 0.12
	store.SetConfig(cfg)
	if br, _ := store.Get("c1"); br.Style.Thickness != 0.12 {
		t.Fatalf("restyle not applied")
	}
	if pts := (Bridge{World1: model.V(0, 0, 0), World2: model.V(2, 0, 0), Growth: 1}).Curve(4); len(pts) != 5 || pts[4].Plain() != model.V(2, 0, 0).Plain() {
		t.Fatalf("curve = %v", pts)
	}
}
