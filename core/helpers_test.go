package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// fakeAssembly is a minimal SnapTarget/BridgeView over a store and graph.
type fakeAssembly struct {
	mu     sync.RWMutex
	store  *kb.Store
	graph  *ConnectionGraph
	bus    events.Publisher
	refuse error
	seq    int
	moves  int
}

func newFakeAssembly(bus events.Publisher) *fakeAssembly {
	store := kb.NewStore()
	return &fakeAssembly{store: store, graph: NewConnectionGraph(store), bus: bus}
}

func (f *fakeAssembly) add(id string, pos model.Vec3, pts ...*model.ConnectionPoint) *model.Piece {
	p := &model.Piece{ID: id, Name: id, Type: model.PieceGeneric, Pose: model.At(pos)}
	for _, pt := range pts {
		pt.ID = model.PointID(id, pt.Name)
		p.ConnectionPoints = append(p.ConnectionPoints, pt)
	}
	if err := f.store.AddPiece(p); err != nil {
		panic(err)
	}
	return p
}

func (f *fakeAssembly) ReadPieces(fn func([]*model.Piece)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn(f.store.Pieces())
}

func (f *fakeAssembly) Connections() []model.Connection { return f.graph.List() }

func (f *fakeAssembly) IsLocked(id string) bool { return f.store.IsLocked(id) }

func (f *fakeAssembly) UpdatePiecePose(_ context.Context, id string, pose model.Pose) error {
	f.mu.Lock()
	err := f.store.UpdatePose(id, pose)
	f.moves++
	f.mu.Unlock()
	if err == nil && f.bus != nil {
		f.bus.Publish(events.Event{Type: events.PieceMoved, PieceID: id, Position: pose.Position})
	}
	return err
}

func (f *fakeAssembly) CommitSnap(_ context.Context, c SnapCommit) (model.Connection, error) {
	f.mu.Lock()
	if f.refuse != nil {
		f.mu.Unlock()
		return model.Connection{}, f.refuse
	}
	original := f.store.Piece(c.PieceID).Pose
	if err := f.store.UpdatePose(c.PieceID, c.Pose); err != nil {
		f.mu.Unlock()
		return model.Connection{}, err
	}
	f.seq++
	conn := &model.Connection{
		ID:       fmt.Sprintf("conn-%d", f.seq),
		Piece1ID: c.PieceID, Point1ID: c.PointID,
		Piece2ID: c.TargetPieceID, Point2ID: c.TargetPointID,
	}
	if err := f.graph.Add(conn); err != nil {
		_ = f.store.UpdatePose(c.PieceID, original)
		f.mu.Unlock()
		return model.Connection{}, err
	}
	out := *conn
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(
			events.Event{Type: events.PieceMoved, PieceID: c.PieceID, Position: c.Pose.Position},
			events.Event{Type: events.ConnectionCreated, ConnectionID: out.ID, Connection: &out},
		)
	}
	return out, nil
}

func (f *fakeAssembly) connect(id, p1, pt1, p2, pt2 string) model.Connection {
	c := &model.Connection{ID: id, Piece1ID: p1, Point1ID: pt1, Piece2ID: p2, Point2ID: pt2}
	if err := f.graph.Add(c); err != nil {
		panic(err)
	}
	out := *c
	if f.bus != nil {
		f.bus.Publish(events.Event{Type: events.ConnectionCreated, ConnectionID: id, Connection: &out})
	}
	return out
}
