package assembly

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
)

// AddPieceOptions tunes AddPiece.
type AddPieceOptions struct {
	// AcceptCharge confirms the pay-per-use charge of a piece over the
	// tier's piece limit. Without it such an add is refused with
	// PayRequired and the quoted cost.
	AcceptCharge bool
}

func mergeAddOptions(opts []AddPieceOptions) AddPieceOptions {
	var o AddPieceOptions
	for _, x := range opts {
		o.AcceptCharge = o.AcceptCharge || x.AcceptCharge
	}
	return o
}

// AddPiece adds a copy of p and returns its id. An empty id is generated.
// Point ids are derived from the piece id and point name; occupancy on the
// input is ignored.
func (a *Assembly) AddPiece(ctx context.Context, p *model.Piece, opts ...AddPieceOptions) (string, error) {
	o := mergeAddOptions(opts)
	var (
		id     string
		charge int
	)
	err := a.mutate(ctx, "AddPiece", pieceRef(p), func(ctx context.Context) (*change, history.Entry, error) {
		piece, err := a.preparePieceLocked("AddPiece", p)
		if err != nil {
			return nil, history.Entry{}, err
		}
		n, err := a.admitPieceLocked("AddPiece", piece, o.AcceptCharge)
		if err != nil {
			return nil, history.Entry{}, err
		}
		ch, e, err := a.addPieceLocked(piece)
		if err != nil {
			return nil, history.Entry{}, err
		}
		id, charge = piece.ID, n
		return ch, e, nil
	})
	if err != nil {
		return "", err
	}
	a.settleCharges(ctx, charge)
	return id, nil
}

func (a *Assembly) settleCharges(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	pending, err := a.guard.AcceptCharge(ctx, n)
	if err != nil {
		a.log.Warn(ctx, "charge not accepted", logging.Int("pieces", n), logging.Err(err))
		return
	}
	a.log.Info(ctx, "pay-per-use charge accrued",
		logging.Int("pieces", n), logging.String("pending", pending.StringFixed(2)))
}

func pieceRef(p *model.Piece) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// preparePieceLocked copies and normalises an incoming piece.
func (a *Assembly) preparePieceLocked(op string, in *model.Piece) (*model.Piece, error) {
	if in == nil {
		return nil, opErr(op, KindInvalidType, "", errors.New("nil piece"))
	}
	p := in.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if a.store.Has(p.ID) {
		return nil, opErr(op, KindInvalidType, p.ID, kb.ErrPieceExists)
	}
	if p.Type == "" {
		p.Type = model.PieceGeneric
	}
	if p.Name == "" {
		p.Name = string(p.Type)
	}
	p.Pose = normalizePose(p.Pose, a.log)

	existing := make(map[string]bool)
	for _, q := range a.store.Pieces() {
		for _, pt := range q.ConnectionPoints {
			existing[pt.ID] = true
		}
	}
	names := make(map[string]bool, len(p.ConnectionPoints))
	for _, pt := range p.ConnectionPoints {
		if pt == nil || pt.Name == "" {
			return nil, opErr(op, KindInvalidType, p.ID, errors.New("connection point without a name"))
		}
		if names[pt.Name] {
			return nil, opErr(op, KindInvalidType, p.ID, fmt.Errorf("duplicate connection point %q", pt.Name))
		}
		names[pt.Name] = true
		pt.ID = model.PointID(p.ID, pt.Name)
		if existing[pt.ID] {
			return nil, opErr(op, KindInvalidType, p.ID, fmt.Errorf("connection point id %q already in use", pt.ID))
		}
		if pt.Type == "" {
			pt.Type = pt.Name
		}
		pt.Clear()
	}

	p.Metadata.GroupID = ""
	p.Recovered = false
	if p.Metadata.CreatedAt == 0 {
		p.Metadata.CreatedAt = a.clock.Now().UnixMilli()
	}
	if p.Metadata.RoundCount == 0 {
		p.Metadata.RoundCount = len(p.Rounds)
	}
	if p.Metadata.StitchCount == 0 {
		for _, r := range p.Rounds {
			p.Metadata.StitchCount += r.StitchCount
		}
		if p.Metadata.StitchCount == 0 {
			p.Metadata.StitchCount = len(p.Metadata.Pattern)
		}
	}
	return p, nil
}

// admitPieceLocked asks the guard about one more piece. It returns the
// number of pieces to charge once the add commits.
func (a *Assembly) admitPieceLocked(op string, p *model.Piece, accept bool) (int, error) {
	counts := a.countsLocked()
	if p.IsCustom {
		if d := a.guard.CanPerform(tier.OpAddCustomPiece, 1, counts); !d.Allowed {
			return 0, refusal(op, p.ID, d)
		}
	}
	d := a.guard.CanPerform(tier.OpAddPiece, 1, counts)
	if !d.Allowed {
		return 0, refusal(op, p.ID, d)
	}
	if d.RequiresPayment {
		if !accept {
			e := opErr(op, KindPayRequired, p.ID, nil)
			e.Cost = d.Cost
			return 0, e
		}
		return 1, nil
	}
	return 0, nil
}

// refusal turns a negative guard decision into an OpError carrying the
// guard's upgrade prompt.
func refusal(op, ref string, d tier.Decision) *OpError {
	if errors.Is(d.Reason, tier.ErrTierLimit) {
		e := opErr(op, KindTierLimit, ref, d.Reason)
		e.UpgradePrompt = d.UpgradePrompt
		return e
	}
	return opErr(op, KindInvalidType, ref, d.Reason)
}

func (a *Assembly) addPieceLocked(p *model.Piece) (*change, history.Entry, error) {
	snap := model.SnapshotPiece(p)
	if err := a.insertPieceLocked(p, -1); err != nil {
		return nil, history.Entry{}, opErr("AddPiece", KindInvalidType, p.ID, err)
	}
	id := p.ID
	ch := &change{
		undo: func() error {
			_, err := a.deletePieceLocked(id)
			return err
		},
		redo: func() error { return a.insertPieceLocked(model.RestorePiece(snap), -1) },
	}
	e := history.Entry{
		Type:        history.AddPiece,
		Description: fmt.Sprintf("Added %s %q", p.Type, p.Name),
		Data:        map[string]any{"pieceId": id, "name": p.Name, "type": string(p.Type)},
	}
	return ch, e, nil
}

// RemovePiece deletes a piece together with every connection touching it.
func (a *Assembly) RemovePiece(ctx context.Context, id string) error {
	return a.mutate(ctx, "RemovePiece", id, func(ctx context.Context) (*change, history.Entry, error) {
		return a.removePieceLocked(id)
	})
}

func (a *Assembly) removePieceLocked(id string) (*change, history.Entry, error) {
	p := a.store.Piece(id)
	if p == nil {
		return nil, history.Entry{}, opErr("RemovePiece", KindNotFound, id, kb.ErrPieceNotFound)
	}
	if a.store.IsLocked(id) {
		return nil, history.Entry{}, opErr("RemovePiece", KindLocked, id, nil)
	}
	name := p.Name
	rec, err := a.deletePieceLocked(id)
	if err != nil {
		return nil, history.Entry{}, err
	}
	ch := &change{
		undo: func() error { return a.reinsertPieceLocked(rec) },
		redo: func() error {
			_, err := a.deletePieceLocked(id)
			return err
		},
	}
	e := history.Entry{
		Type:        history.RemovePiece,
		Description: fmt.Sprintf("Removed %q", name),
		Data:        map[string]any{"pieceId": id, "count": len(rec.conns)},
	}
	return ch, e, nil
}

// Connect joins two connection points. Points may be given by id or name.
// The order of the endpoints only affects the stored order.
func (a *Assembly) Connect(ctx context.Context, piece1, point1, piece2, point2 string) (model.Connection, error) {
	var out model.Connection
	err := a.mutate(ctx, "Connect", piece1+"/"+piece2, func(ctx context.Context) (*change, history.Entry, error) {
		c, err := a.checkConnectLocked("Connect", piece1, point1, piece2, point2)
		if err != nil {
			return nil, history.Entry{}, err
		}
		ch, e, err := a.connectLocked(c)
		if err != nil {
			return nil, history.Entry{}, err
		}
		out = c
		return ch, e, nil
	})
	return out, err
}

// checkConnectLocked resolves and vets a proposed connection. The returned
// connection carries canonical point ids and a fresh id.
func (a *Assembly) checkConnectLocked(op, piece1, point1, piece2, point2 string) (model.Connection, error) {
	ref := piece1 + "/" + piece2
	p1, p2 := a.store.Piece(piece1), a.store.Piece(piece2)
	if p1 == nil {
		return model.Connection{}, opErr(op, KindNotFound, piece1, kb.ErrPieceNotFound)
	}
	if p2 == nil {
		return model.Connection{}, opErr(op, KindNotFound, piece2, kb.ErrPieceNotFound)
	}
	if piece1 == piece2 {
		return model.Connection{}, opErr(op, KindSelfConnect, piece1, nil)
	}
	pt1, pt2 := p1.Point(point1), p2.Point(point2)
	if pt1 == nil {
		return model.Connection{}, opErr(op, KindNotFound, point1, core.ErrPointNotFound)
	}
	if pt2 == nil {
		return model.Connection{}, opErr(op, KindNotFound, point2, core.ErrPointNotFound)
	}
	for _, id := range []string{piece1, piece2} {
		if a.store.IsLocked(id) {
			return model.Connection{}, opErr(op, KindLocked, id, nil)
		}
	}
	for _, pt := range []*model.ConnectionPoint{pt1, pt2} {
		if pt.IsOccupied {
			return model.Connection{}, opErr(op, KindOccupied, pt.ID, nil)
		}
	}
	if !core.CanMate(pt1, pt2) {
		return model.Connection{}, opErr(op, KindIncompatible, ref,
			fmt.Errorf("%q (%s) cannot mate with %q (%s)", pt1.ID, pt1.JoinStyle, pt2.ID, pt2.JoinStyle))
	}
	if d := a.guard.CanPerform(tier.OpConnect, 1, a.countsLocked()); !d.Allowed {
		return model.Connection{}, refusal(op, ref, d)
	}

	c := model.Connection{
		ID:        uuid.NewString(),
		Piece1ID:  piece1,
		Point1ID:  pt1.ID,
		Piece2ID:  piece2,
		Point2ID:  pt2.ID,
		Timestamp: a.clock.Now().UnixMilli(),
	}
	snap := a.snapshotLocked(false)
	cc := validation.ResolveConnection(&snap, c)
	cc.Proposed = true
	in := validation.Input{Assembly: &snap, Tier: a.guard.Tier(), AllowFloating: a.allowFloating}
	for _, issue := range a.validator.ValidateConnection(in, cc) {
		if issue.Severity == validation.SeverityError {
			return model.Connection{}, opErr(op, KindIncompatible, ref, fmt.Errorf("%s: %s", issue.Rule, issue.Message))
		}
	}
	return c, nil
}

func (a *Assembly) connectLocked(c model.Connection) (*change, history.Entry, error) {
	if err := a.linkLocked(c); err != nil {
		return nil, history.Entry{}, opErr("Connect", KindOf(err), c.ID, err)
	}
	id := c.ID
	ch := &change{
		undo: func() error {
			_, err := a.unlinkLocked(id)
			return err
		},
		redo: func() error { return a.linkLocked(c) },
	}
	return ch, connectEntry(c), nil
}

func connectEntry(c model.Connection) history.Entry {
	return history.Entry{
		Type:        history.Connect,
		Description: fmt.Sprintf("Connected %s to %s", c.Point1ID, c.Point2ID),
		Data: map[string]any{
			"connectionId": c.ID,
			"piece1Id":     c.Piece1ID,
			"point1Id":     c.Point1ID,
			"piece2Id":     c.Piece2ID,
			"point2Id":     c.Point2ID,
		},
	}
}

// Disconnect removes a connection and frees both points. A disconnected
// structure is acceptable to validation afterwards.
func (a *Assembly) Disconnect(ctx context.Context, connID string) error {
	return a.mutate(ctx, "Disconnect", connID, func(ctx context.Context) (*change, history.Entry, error) {
		return a.disconnectLocked(connID)
	})
}

func (a *Assembly) disconnectLocked(connID string) (*change, history.Entry, error) {
	c, err := a.unlinkLocked(connID)
	if err != nil {
		return nil, history.Entry{}, opErr("Disconnect", KindNotFound, connID, err)
	}
	floating := a.allowFloating
	a.allowFloating = true
	ch := &change{
		undo: func() error {
			if err := a.linkLocked(c); err != nil {
				return err
			}
			a.allowFloating = floating
			return nil
		},
		redo: func() error {
			if _, err := a.unlinkLocked(connID); err != nil {
				return err
			}
			a.allowFloating = true
			return nil
		},
	}
	e := history.Entry{
		Type:        history.Disconnect,
		Description: fmt.Sprintf("Disconnected %s from %s", c.Point1ID, c.Point2ID),
		Data:        map[string]any{"connectionId": connID, "piece1Id": c.Piece1ID, "piece2Id": c.Piece2ID},
	}
	return ch, e, nil
}

// UpdatePiecePose replaces the transform of a piece. Non-finite components
// are zeroed and a zero scale becomes unit scale.
func (a *Assembly) UpdatePiecePose(ctx context.Context, id string, pose model.Pose) error {
	return a.mutate(ctx, "UpdatePiecePose", id, func(ctx context.Context) (*change, history.Entry, error) {
		return a.movePieceLocked(id, normalizePose(pose, a.log))
	})
}

// MovePiece translates a piece to pos, keeping rotation and scale.
func (a *Assembly) MovePiece(ctx context.Context, id string, pos model.Vec3) error {
	return a.mutate(ctx, "MovePiece", id, func(ctx context.Context) (*change, history.Entry, error) {
		p := a.store.Piece(id)
		if p == nil {
			return nil, history.Entry{}, opErr("MovePiece", KindNotFound, id, kb.ErrPieceNotFound)
		}
		pose := p.Pose
		pose.Position = model.NormalizeVector(pos, a.log)
		return a.movePieceLocked(id, pose)
	})
}

func normalizePose(p model.Pose, log logging.Logger) model.Pose {
	out := model.Pose{
		Position: model.NormalizeVector(p.Position, log),
		Rotation: model.NormalizeVector(p.Rotation, log),
		Scale:    model.NormalizeVector(p.Scale, log),
	}
	if out.Scale.X == 0 && out.Scale.Y == 0 && out.Scale.Z == 0 {
		out.Scale = model.One
	}
	return out
}

func (a *Assembly) movePieceLocked(id string, pose model.Pose) (*change, history.Entry, error) {
	if !a.store.Has(id) {
		return nil, history.Entry{}, opErr("UpdatePiecePose", KindNotFound, id, kb.ErrPieceNotFound)
	}
	if a.store.IsLocked(id) {
		return nil, history.Entry{}, opErr("UpdatePiecePose", KindLocked, id, nil)
	}
	old, err := a.setPoseLocked(id, pose)
	if err != nil {
		return nil, history.Entry{}, err
	}
	ch := &change{
		undo: func() error {
			_, err := a.setPoseLocked(id, old)
			return err
		},
		redo: func() error {
			_, err := a.setPoseLocked(id, pose)
			return err
		},
	}
	e := history.Entry{
		Type:        history.MovePiece,
		Description: fmt.Sprintf("Moved %s", id),
		Data:        map[string]any{"pieceId": id, "position": vecData(pose.Position)},
	}
	return ch, e, nil
}

func vecData(v model.Vec3) map[string]any {
	return map[string]any{"x": v.X, "y": v.Y, "z": v.Z}
}

// LockPiece makes a piece refuse mutation. Locking a locked piece is a
// no-op.
func (a *Assembly) LockPiece(ctx context.Context, id string) error {
	return a.mutate(ctx, "LockPiece", id, func(ctx context.Context) (*change, history.Entry, error) {
		return a.setLockLocked(id, true)
	})
}

// UnlockPiece clears the lock. Unlocking an unlocked piece is a no-op.
func (a *Assembly) UnlockPiece(ctx context.Context, id string) error {
	return a.mutate(ctx, "UnlockPiece", id, func(ctx context.Context) (*change, history.Entry, error) {
		return a.setLockLocked(id, false)
	})
}

func (a *Assembly) setLockLocked(id string, lock bool) (*change, history.Entry, error) {
	op, typ := "UnlockPiece", history.UnlockPiece
	if lock {
		op, typ = "LockPiece", history.LockPiece
	}
	if !a.store.Has(id) {
		return nil, history.Entry{}, opErr(op, KindNotFound, id, kb.ErrPieceNotFound)
	}
	if a.store.IsLocked(id) == lock {
		return nil, history.Entry{}, nil
	}
	apply := func(on bool) error {
		if on {
			return a.store.Lock(id)
		}
		return a.store.Unlock(id)
	}
	if err := apply(lock); err != nil {
		return nil, history.Entry{}, err
	}
	ch := &change{
		undo: func() error { return apply(!lock) },
		redo: func() error { return apply(lock) },
	}
	return ch, history.Entry{Type: typ, Description: fmt.Sprintf("%s %s", typ, id), Data: map[string]any{"pieceId": id}}, nil
}

// ModifyPiece edits the descriptive fields of a piece: name, type, colour,
// custom flag, rounds and metadata. Pose, points, group membership and the
// creation time are kept.
func (a *Assembly) ModifyPiece(ctx context.Context, id string, edit func(p *model.Piece)) error {
	return a.mutate(ctx, "ModifyPiece", id, func(ctx context.Context) (*change, history.Entry, error) {
		p := a.store.Piece(id)
		if p == nil {
			return nil, history.Entry{}, opErr("ModifyPiece", KindNotFound, id, kb.ErrPieceNotFound)
		}
		if a.store.IsLocked(id) {
			return nil, history.Entry{}, opErr("ModifyPiece", KindLocked, id, nil)
		}
		if edit == nil {
			return nil, history.Entry{}, opErr("ModifyPiece", KindInvalidType, id, errors.New("nil edit"))
		}
		before := descriptiveOf(p)
		draft := p.Clone()
		edit(draft)
		after := descriptiveOf(draft)
		after.metadata.GroupID = before.metadata.GroupID
		after.metadata.CreatedAt = before.metadata.CreatedAt
		if after.typ == "" {
			return nil, history.Entry{}, opErr("ModifyPiece", KindInvalidType, id, errors.New("empty piece type"))
		}
		if after.isCustom && !before.isCustom {
			counts := a.countsLocked()
			if d := a.guard.CanPerform(tier.OpAddCustomPiece, 1, counts); !d.Allowed {
				return nil, history.Entry{}, refusal("ModifyPiece", id, d)
			}
		}
		after.apply(p)
		ch := &change{
			undo: func() error { return a.applyDescriptiveLocked(id, before) },
			redo: func() error { return a.applyDescriptiveLocked(id, after) },
		}
		e := history.Entry{
			Type:        history.ModifyPiece,
			Description: fmt.Sprintf("Modified %q", after.name),
			Data:        map[string]any{"pieceId": id, "name": after.name, "type": string(after.typ)},
		}
		return ch, e, nil
	})
}

// descriptive is the editable part of a piece.
type descriptive struct {
	name     string
	typ      model.PieceType
	color    model.Color
	isCustom bool
	rounds   []model.Round
	metadata model.PieceMetadata
}

func descriptiveOf(p *model.Piece) descriptive {
	c := p.Clone()
	return descriptive{name: c.Name, typ: c.Type, color: c.Color, isCustom: c.IsCustom, rounds: c.Rounds, metadata: c.Metadata}
}

func (d descriptive) apply(p *model.Piece) {
	c := (&model.Piece{Rounds: d.rounds, Metadata: d.metadata}).Clone()
	p.Name, p.Type, p.Color, p.IsCustom = d.name, d.typ, d.color, d.isCustom
	p.Rounds, p.Metadata = c.Rounds, c.Metadata
}

func (a *Assembly) applyDescriptiveLocked(id string, d descriptive) error {
	p := a.store.Piece(id)
	if p == nil {
		return fmt.Errorf("%w: %q", kb.ErrPieceNotFound, id)
	}
	d.metadata.GroupID = p.Metadata.GroupID
	d.apply(p)
	return nil
}

// CreateGroup groups existing, ungrouped pieces under a new id.
func (a *Assembly) CreateGroup(ctx context.Context, name string, pieceIDs []string) (string, error) {
	var id string
	err := a.mutate(ctx, "CreateGroup", name, func(ctx context.Context) (*change, history.Entry, error) {
		g := model.Group{ID: uuid.NewString(), Name: name, Members: dedupe(pieceIDs)}
		ch, e, err := a.createGroupLocked(g)
		if err != nil {
			return nil, history.Entry{}, err
		}
		id = g.ID
		return ch, e, nil
	})
	return id, err
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (a *Assembly) createGroupLocked(g model.Group) (*change, history.Entry, error) {
	if len(g.Members) == 0 {
		return nil, history.Entry{}, opErr("CreateGroup", KindInvalidType, g.Name, errors.New("group without members"))
	}
	if err := a.addGroupLocked(g); err != nil {
		return nil, history.Entry{}, opErr("CreateGroup", KindOf(err), g.Name, err)
	}
	ch := &change{
		undo: func() error {
			_, err := a.removeGroupLocked(g.ID)
			return err
		},
		redo: func() error { return a.addGroupLocked(g) },
	}
	e := history.Entry{
		Type:        history.GroupPieces,
		Description: fmt.Sprintf("Grouped %d pieces as %q", len(g.Members), g.Name),
		Data:        map[string]any{"groupId": g.ID, "name": g.Name, "members": toAny(g.Members)},
	}
	return ch, e, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// DissolveGroup removes a group; its pieces stay in place.
func (a *Assembly) DissolveGroup(ctx context.Context, groupID string) error {
	return a.mutate(ctx, "DissolveGroup", groupID, func(ctx context.Context) (*change, history.Entry, error) {
		g, err := a.removeGroupLocked(groupID)
		if err != nil {
			return nil, history.Entry{}, opErr("DissolveGroup", KindNotFound, groupID, err)
		}
		ch := &change{
			undo: func() error { return a.addGroupLocked(g) },
			redo: func() error {
				_, err := a.removeGroupLocked(g.ID)
				return err
			},
		}
		e := history.Entry{
			Type:        history.UngroupPieces,
			Description: fmt.Sprintf("Dissolved group %q", g.Name),
			Data:        map[string]any{"groupId": g.ID, "name": g.Name},
		}
		return ch, e, nil
	})
}

// CommitSnap moves a piece onto its snap pose and connects the snapped
// points as one history entry. Nothing changes when the connection is
// refused.
func (a *Assembly) CommitSnap(ctx context.Context, sc core.SnapCommit) (model.Connection, error) {
	var out model.Connection
	err := a.mutate(ctx, "CommitSnap", sc.PieceID, func(ctx context.Context) (*change, history.Entry, error) {
		c, err := a.checkConnectLocked("CommitSnap", sc.PieceID, sc.PointID, sc.TargetPieceID, sc.TargetPointID)
		if err != nil {
			return nil, history.Entry{}, err
		}
		pose := normalizePose(sc.Pose, a.log)
		old, err := a.setPoseLocked(sc.PieceID, pose)
		if err != nil {
			return nil, history.Entry{}, err
		}
		if err := a.linkLocked(c); err != nil {
			_, _ = a.setPoseLocked(sc.PieceID, old)
			return nil, history.Entry{}, opErr("CommitSnap", KindOf(err), c.ID, err)
		}
		ch := &change{
			undo: func() error {
				if _, err := a.unlinkLocked(c.ID); err != nil {
					return err
				}
				_, err := a.setPoseLocked(sc.PieceID, old)
				return err
			},
			redo: func() error {
				if _, err := a.setPoseLocked(sc.PieceID, pose); err != nil {
					return err
				}
				return a.linkLocked(c)
			},
		}
		e := connectEntry(c)
		e.Description = fmt.Sprintf("Snapped %s to %s", c.Point1ID, c.Point2ID)
		e.Tags = []string{"snap"}
		e.Data["position"] = vecData(pose.Position)
		out = c
		return ch, e, nil
	})
	return out, err
}
