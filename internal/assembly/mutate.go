package assembly

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/model"
)

// change is the inverse pair of one committed mutation. Both closures run
// with a.mu held and may queue events.
type change struct {
	undo func() error
	redo func() error
}

// mutation applies one guarded operation with a.mu held. A nil change with
// a nil error is a no-op that leaves no history entry.
type mutation func(ctx context.Context) (*change, history.Entry, error)

// mutate runs fn under the write lock, checks the structural invariants,
// records the history entry and publishes queued events after unlocking.
func (a *Assembly) mutate(ctx context.Context, op, ref string, fn mutation) (err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "assembly."+op, ref)
	defer span.End()

	a.mu.Lock()
	held := true
	defer func() {
		if held {
			a.pending = nil
			a.mu.Unlock()
		}
	}()

	ch, entry, err := fn(ctx)
	if err != nil {
		a.pending = nil
		held = false
		a.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		a.observe(op, err, start)
		return err
	}
	if ch == nil {
		held = false
		evs := a.takeLocked()
		a.mu.Unlock()
		a.publish(evs)
		a.observe(op, nil, start)
		return nil
	}
	a.commitLocked(op, ch, entry)
	evs := a.takeLocked()
	held = false
	a.mu.Unlock()

	a.publish(evs)
	a.observe(op, nil, start)
	a.autoSaveAfter(ctx, op)
	return nil
}

// commitLocked verifies the invariants and appends the entry. It panics
// with *InvariantError when the model is inconsistent.
func (a *Assembly) commitLocked(op string, ch *change, e history.Entry) {
	if a.checkInvariants {
		if err := a.invariantsLocked(); err != nil {
			a.log.Error(context.Background(), "invariant violated", logging.String("op", op), logging.Err(err))
			panic(err)
		}
	}
	stored, dropped, err := a.timeline.Append(e)
	if err != nil {
		panic(&InvariantError{Op: op, Rule: "history-entry", Err: err})
	}
	for _, id := range dropped {
		delete(a.undo, id)
	}
	a.undo[stored.ID] = ch
	a.touchLocked()
}

func (a *Assembly) autoSaveAfter(ctx context.Context, op string) {
	if !a.autoSave || a.recovery == nil {
		return
	}
	if d := a.CanPerform(tier.OpSave, 1); !d.Allowed {
		return
	}
	if _, err := a.Save(ctx); err != nil {
		a.log.Warn(ctx, "auto-save failed", logging.String("op", op), logging.Err(err))
	}
}

//
// ---------- locked primitives ----------
//

// removal is what deletePieceLocked needs to put a piece back.
type removal struct {
	piece  model.PieceSnapshot
	index  int
	locked bool
	group  string
	conns  []model.Connection
}

func (a *Assembly) insertPieceLocked(p *model.Piece, idx int) error {
	if err := a.store.AddPieceAt(p, idx); err != nil {
		return err
	}
	a.queue(events.Event{Type: events.PieceAdded, PieceID: p.ID, Position: p.Pose.Position})
	return nil
}

// deletePieceLocked removes the piece and every connection touching it.
// Mates of the removed connections are freed by the graph.
func (a *Assembly) deletePieceLocked(id string) (*removal, error) {
	p := a.store.Piece(id)
	if p == nil {
		return nil, opErr("RemovePiece", KindNotFound, id, nil)
	}
	rec := &removal{
		piece:  model.SnapshotPiece(p),
		index:  a.store.IndexOf(id),
		locked: a.store.IsLocked(id),
		group:  p.Metadata.GroupID,
	}
	for _, c := range a.graph.RemovePiece(id) {
		cp := *copyConn(*c)
		rec.conns = append(rec.conns, cp)
		a.queue(events.Event{Type: events.ConnectionRemoved, PieceID: id, ConnectionID: c.ID, Connection: &cp})
	}
	if _, err := a.store.RemovePiece(id); err != nil {
		return nil, err
	}
	a.queue(events.Event{Type: events.PieceRemoved, PieceID: id, Position: p.Pose.Position})
	return rec, nil
}

func (a *Assembly) reinsertPieceLocked(rec *removal) error {
	p := model.RestorePiece(rec.piece)
	p.Metadata.GroupID = ""
	for _, pt := range p.ConnectionPoints {
		pt.Clear()
	}
	if err := a.insertPieceLocked(p, rec.index); err != nil {
		return err
	}
	if rec.locked {
		if err := a.store.Lock(p.ID); err != nil {
			return err
		}
	}
	if rec.group != "" && a.store.Group(rec.group) != nil {
		if err := a.store.AddToGroup(rec.group, p.ID); err != nil {
			return err
		}
	}
	for _, c := range rec.conns {
		if err := a.linkLocked(c); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembly) linkLocked(c model.Connection) error {
	cp := copyConn(c)
	if err := a.graph.Add(cp); err != nil {
		return err
	}
	ev := *cp
	a.queue(events.Event{Type: events.ConnectionCreated, PieceID: cp.Piece1ID, ConnectionID: cp.ID, Connection: &ev})
	return nil
}

func (a *Assembly) unlinkLocked(id string) (model.Connection, error) {
	c, err := a.graph.Remove(id)
	if err != nil {
		return model.Connection{}, err
	}
	out := *copyConn(*c)
	ev := out
	a.queue(events.Event{Type: events.ConnectionRemoved, PieceID: out.Piece1ID, ConnectionID: id, Connection: &ev})
	return out, nil
}

func (a *Assembly) setPoseLocked(id string, pose model.Pose) (model.Pose, error) {
	p := a.store.Piece(id)
	if p == nil {
		return model.Pose{}, opErr("UpdatePiecePose", KindNotFound, id, nil)
	}
	old := p.Pose
	if err := a.store.UpdatePose(id, pose); err != nil {
		return model.Pose{}, err
	}
	a.queue(events.Event{Type: events.PieceMoved, PieceID: id, Position: pose.Position})
	return old, nil
}

func (a *Assembly) addGroupLocked(g model.Group) error {
	return a.store.AddGroup(&model.Group{ID: g.ID, Name: g.Name, Members: append([]string(nil), g.Members...)})
}

func (a *Assembly) removeGroupLocked(id string) (model.Group, error) {
	g, err := a.store.RemoveGroup(id)
	if err != nil {
		return model.Group{}, err
	}
	return model.Group{ID: g.ID, Name: g.Name, Members: append([]string(nil), g.Members...)}, nil
}
