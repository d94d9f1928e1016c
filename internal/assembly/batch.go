package assembly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/model"
)

// ErrTxClosed is returned by Tx methods called after Batch returned.
var ErrTxClosed = errors.New("batch transaction is closed")

// Tx applies guarded operations inside Batch. Its methods run with the
// assembly write lock held and must not call back into the Assembly.
type Tx struct {
	a        *Assembly
	ctx      context.Context
	closed   bool
	children []history.Entry
	changes  []*change
	charges  int
}

// Batch runs fn as one atomic action. Every sub-operation is checked as
// it would be on its own; if fn returns an error or panics, the applied
// sub-operations are reversed in reverse order and no event is published.
// On success one batch history entry carries the ordered sub-actions.
func (a *Assembly) Batch(ctx context.Context, description string, fn func(tx *Tx) error) error {
	tx := &Tx{a: a, ctx: ctx}
	err := a.mutate(ctx, "Batch", description, func(ctx context.Context) (*change, history.Entry, error) {
		began := time.Now()
		if err := tx.run(fn); err != nil {
			tx.rollbackLocked()
			return nil, history.Entry{}, err
		}
		if len(tx.changes) == 0 {
			return nil, history.Entry{}, nil
		}
		changes := tx.changes
		ch := &change{
			undo: func() error {
				for i := len(changes) - 1; i >= 0; i-- {
					if err := changes[i].undo(); err != nil {
						return err
					}
				}
				return nil
			},
			redo: func() error {
				for _, c := range changes {
					if err := c.redo(); err != nil {
						return err
					}
				}
				return nil
			},
		}
		if description == "" {
			description = fmt.Sprintf("Batch of %d actions", len(tx.children))
		}
		e := history.Entry{
			Type:        history.Batch,
			Description: description,
			Children:    tx.children,
			Duration:    time.Since(began),
		}
		return ch, e, nil
	})
	if err != nil {
		return err
	}
	a.settleCharges(ctx, tx.charges)
	return nil
}

func (tx *Tx) run(fn func(tx *Tx) error) (err error) {
	defer func() {
		tx.closed = true
		if p := recover(); p != nil {
			if ie, ok := p.(*InvariantError); ok {
				panic(ie)
			}
			err = fmt.Errorf("batch aborted: %v", p)
		}
	}()
	return fn(tx)
}

func (tx *Tx) rollbackLocked() {
	for i := len(tx.changes) - 1; i >= 0; i-- {
		if err := tx.changes[i].undo(); err != nil {
			tx.a.log.Error(tx.ctx, "batch rollback failed", logging.Int("step", i), logging.Err(err))
			panic(&InvariantError{Op: "Batch", Rule: "rollback", Err: err})
		}
	}
	tx.changes, tx.children = nil, nil
	tx.a.pending = nil
}

func (tx *Tx) record(ch *change, e history.Entry, err error) error {
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	e.Timestamp = tx.a.clock.Now()
	tx.changes = append(tx.changes, ch)
	tx.children = append(tx.children, e)
	return nil
}

// Len is the number of sub-operations applied so far.
func (tx *Tx) Len() int { return len(tx.changes) }

// AddPiece adds a piece inside the batch.
func (tx *Tx) AddPiece(p *model.Piece, opts ...AddPieceOptions) (string, error) {
	if tx.closed {
		return "", ErrTxClosed
	}
	a := tx.a
	piece, err := a.preparePieceLocked("AddPiece", p)
	if err != nil {
		return "", err
	}
	n, err := a.admitPieceLocked("AddPiece", piece, mergeAddOptions(opts).AcceptCharge)
	if err != nil {
		return "", err
	}
	if err := tx.record(a.addPieceLocked(piece)); err != nil {
		return "", err
	}
	tx.charges += n
	return piece.ID, nil
}

// RemovePiece removes a piece inside the batch.
func (tx *Tx) RemovePiece(id string) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.record(tx.a.removePieceLocked(id))
}

// Connect joins two points inside the batch.
func (tx *Tx) Connect(piece1, point1, piece2, point2 string) (model.Connection, error) {
	if tx.closed {
		return model.Connection{}, ErrTxClosed
	}
	c, err := tx.a.checkConnectLocked("Connect", piece1, point1, piece2, point2)
	if err != nil {
		return model.Connection{}, err
	}
	if err := tx.record(tx.a.connectLocked(c)); err != nil {
		return model.Connection{}, err
	}
	return c, nil
}

// Disconnect removes a connection inside the batch.
func (tx *Tx) Disconnect(connID string) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.record(tx.a.disconnectLocked(connID))
}

// UpdatePiecePose moves a piece inside the batch.
func (tx *Tx) UpdatePiecePose(id string, pose model.Pose) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.record(tx.a.movePieceLocked(id, normalizePose(pose, tx.a.log)))
}

// LockPiece locks a piece inside the batch.
func (tx *Tx) LockPiece(id string) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.record(tx.a.setLockLocked(id, true))
}

// UnlockPiece unlocks a piece inside the batch.
func (tx *Tx) UnlockPiece(id string) error {
	if tx.closed {
		return ErrTxClosed
	}
	return tx.record(tx.a.setLockLocked(id, false))
}

// CreateGroup groups pieces inside the batch.
func (tx *Tx) CreateGroup(name string, pieceIDs []string) (string, error) {
	if tx.closed {
		return "", ErrTxClosed
	}
	g := model.Group{ID: uuid.NewString(), Name: name, Members: dedupe(pieceIDs)}
	if err := tx.record(tx.a.createGroupLocked(g)); err != nil {
		return "", err
	}
	return g.ID, nil
}

// Piece returns a copy of a piece as the batch currently sees it.
func (tx *Tx) Piece(id string) (*model.Piece, bool) {
	p := tx.a.store.Piece(id)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

//
// ---------- undo / redo ----------
//

// Undo reverts the latest applied user action. System entries are skipped.
func (a *Assembly) Undo(ctx context.Context) (history.Entry, error) {
	return a.step(ctx, "Undo", true)
}

// Redo re-applies the earliest undone action.
func (a *Assembly) Redo(ctx context.Context) (history.Entry, error) {
	return a.step(ctx, "Redo", false)
}

func (a *Assembly) step(ctx context.Context, op string, back bool) (history.Entry, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "assembly."+op, "")
	defer span.End()

	a.mu.Lock()
	held := true
	defer func() {
		if held {
			a.pending = nil
			a.mu.Unlock()
		}
	}()

	peek, move, apply, none := a.timeline.PeekRedo, a.timeline.Redo, func(c *change) error { return c.redo() }, ErrNothingToRedo
	if back {
		peek, move, apply, none = a.timeline.PeekUndo, a.timeline.Undo, func(c *change) error { return c.undo() }, ErrNothingToUndo
	}
	e, ok := peek()
	ch := a.undo[e.ID]
	if !ok || ch == nil {
		held = false
		a.mu.Unlock()
		a.observe(op, none, start)
		return history.Entry{}, none
	}
	if err := apply(ch); err != nil {
		panic(&InvariantError{Op: op, Rule: "history-inverse", Err: err})
	}
	if a.checkInvariants {
		if err := a.invariantsLocked(); err != nil {
			panic(err)
		}
	}
	moved, _ := move()
	a.touchLocked()
	evs := a.takeLocked()
	held = false
	a.mu.Unlock()

	a.publish(evs)
	a.observe(op, nil, start)
	a.log.Debug(ctx, "history step", logging.String("op", op), logging.String("type", string(moved.Type)))
	return moved, nil
}
