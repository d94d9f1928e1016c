package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var (
	ErrNoDrag     = errors.New("no drag in progress")
	ErrSnapBusy   = errors.New("snap commit in progress")
	ErrDragLocked = errors.New("piece is locked")
)

// SnapConfig tunes the magnetic snap behaviour.
type SnapConfig struct {
	Enabled        bool
	SnapDistance   float64
	SnapStrength   float64
	VisualFeedback bool
	AutoConnect    bool
	SnapPreview    bool
	// AnimationDuration is the length of the aligning animation on drop.
	// Zero places the piece instantly.
	AnimationDuration time.Duration
}

// DefaultSnapConfig returns the stock snap settings.
func DefaultSnapConfig() SnapConfig {
	return SnapConfig{
		Enabled:           true,
		SnapDistance:      1.0,
		SnapStrength:      0.5,
		VisualFeedback:    true,
		AutoConnect:       true,
		SnapPreview:       true,
		AnimationDuration: DefaultAnimationDuration,
	}
}

// SnapTarget is the assembly surface the snap service reads from and
// commits through. ReadPieces hands fn the live pieces under the owner's
// read lock; fn must neither retain nor mutate them.
type SnapTarget interface {
	ReadPieces(fn func(pieces []*model.Piece))
	IsLocked(pieceID string) bool
	UpdatePiecePose(ctx context.Context, pieceID string, pose model.Pose) error
	CommitSnap(ctx context.Context, c SnapCommit) (model.Connection, error)
}

// SnapRecorder receives snap outcomes for metrics.
type SnapRecorder interface {
	ObserveSnap(outcome string)
}

// SnapCandidate is the closest compatible free point pair for a drag pose.
type SnapCandidate struct {
	PieceID       string
	PointID       string
	TargetPieceID string
	TargetPointID string
	Distance      float64
	TargetWorld   model.Vec3
	SnapPose      model.Pose
}

// SnapCommit asks the assembly to move a piece and connect it in one step.
type SnapCommit struct {
	PieceID       string
	PointID       string
	TargetPieceID string
	TargetPointID string
	Pose          model.Pose
	Distance      float64
}

// DragFeedback is returned for every drag event.
type DragFeedback struct {
	Pose      model.Pose
	InRange   bool
	Candidate *SnapCandidate
}

// SnapOutcome is the final state of a drop that attempted a snap.
type SnapOutcome struct {
	Connection model.Connection
	Pose       model.Pose
	Err        error
	Cancelled  bool
}

// SnapOperation tracks a snap commit that may still be animating.
type SnapOperation struct {
	Candidate SnapCandidate

	task    timectrl.TaskID
	done    chan struct{}
	once    sync.Once
	outcome SnapOutcome
}

func newSnapOperation(c SnapCandidate) *SnapOperation {
	return &SnapOperation{Candidate: c, done: make(chan struct{})}
}

func (op *SnapOperation) complete(o SnapOutcome) {
	op.once.Do(func() {
		op.outcome = o
		close(op.done)
	})
}

// Done is closed once the operation has committed, been refused or been
// cancelled.
func (op *SnapOperation) Done() <-chan struct{} { return op.done }

// Outcome returns the result once Done is closed.
func (op *SnapOperation) Outcome() (SnapOutcome, bool) {
	select {
	case <-op.done:
		return op.outcome, true
	default:
		return SnapOutcome{}, false
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (op *SnapOperation) Wait(ctx context.Context) (SnapOutcome, error) {
	select {
	case <-op.done:
		return op.outcome, op.outcome.Err
	case <-ctx.Done():
		return SnapOutcome{}, ctx.Err()
	}
}

type dragState struct {
	pieceID   string
	original  model.Pose
	pose      model.Pose
	moved     bool
	candidate *SnapCandidate
}

// SnapService observes drag events from the viewer, pulls the dragged piece
// toward the nearest compatible point and commits a connection on drop.
// Drag poses are preview data; the assembly only sees the final pose.
type SnapService struct {
	mu sync.Mutex

	target    SnapTarget
	index     *SpatialIndex
	scheduler *timectrl.Scheduler
	bus       events.Publisher
	recorder  SnapRecorder
	log       logging.Logger
	clock     timectrl.Clock

	cfg      SnapConfig
	drag     *dragState
	snapping bool
	pending  *SnapOperation
	animPose *model.Pose
}

// SnapOption customises a SnapService.
type SnapOption func(*SnapService)

// WithSpatialIndex narrows the candidate scan to nearby grid cells.
func WithSpatialIndex(si *SpatialIndex) SnapOption {
	return func(s *SnapService) { s.index = si }
}

// WithScheduler animates drops; without one placement is instant.
func WithScheduler(sch *timectrl.Scheduler) SnapOption {
	return func(s *SnapService) { s.scheduler = sch }
}

// WithSnapEvents publishes drag and snap events.
func WithSnapEvents(p events.Publisher) SnapOption {
	return func(s *SnapService) { s.bus = p }
}

// WithSnapRecorder reports outcomes to a metrics sink.
func WithSnapRecorder(r SnapRecorder) SnapOption {
	return func(s *SnapService) { s.recorder = r }
}

// WithSnapLogger sets the logger.
func WithSnapLogger(l logging.Logger) SnapOption {
	return func(s *SnapService) { s.log = l }
}

// WithSnapClock stamps events with the given clock.
func WithSnapClock(c timectrl.Clock) SnapOption {
	return func(s *SnapService) { s.clock = c }
}

// NewSnapService wires a snap service to its assembly.
func NewSnapService(target SnapTarget, cfg SnapConfig, opts ...SnapOption) *SnapService {
	s := &SnapService{
		target: target,
		cfg:    cfg,
		log:    logging.Noop(),
		clock:  timectrl.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active settings.
func (s *SnapService) Config() SnapConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the settings; an active drag picks them up on its next
// event.
func (s *SnapService) SetConfig(cfg SnapConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// IsSnapping reports whether a snap commit is animating.
func (s *SnapService) IsSnapping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapping
}

// Dragging returns the id of the piece being dragged, if any.
func (s *SnapService) Dragging() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drag == nil {
		return "", false
	}
	return s.drag.pieceID, true
}

// Preview returns the current snap candidate when previews are enabled.
func (s *SnapService) Preview() (SnapCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drag == nil || s.drag.candidate == nil || !s.cfg.SnapPreview {
		return SnapCandidate{}, false
	}
	return *s.drag.candidate, true
}

// AnimatedPose returns the pose of the piece while a drop animates.
func (s *SnapService) AnimatedPose() (model.Pose, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.animPose == nil {
		return model.Pose{}, false
	}
	return *s.animPose, true
}

// BeginDrag starts tracking a drag of pieceID. Any previous drag is
// cancelled first.
func (s *SnapService) BeginDrag(ctx context.Context, pieceID string) error {
	s.mu.Lock()
	if s.snapping {
		s.mu.Unlock()
		return ErrSnapBusy
	}
	s.mu.Unlock()
	s.CancelDrag()

	if s.target.IsLocked(pieceID) {
		return fmt.Errorf("%w: %q", ErrDragLocked, pieceID)
	}
	var (
		pose  model.Pose
		found bool
	)
	s.target.ReadPieces(func(pieces []*model.Piece) {
		if s.index != nil {
			s.index.Refresh(pieces)
		}
		for _, p := range pieces {
			if p.ID == pieceID {
				pose, found = p.Pose, true
				return
			}
		}
	})
	if !found {
		return fmt.Errorf("%w: %q", kb.ErrPieceNotFound, pieceID)
	}

	s.mu.Lock()
	s.drag = &dragState{pieceID: pieceID, original: pose, pose: pose}
	s.mu.Unlock()
	s.publish(events.PieceDragStart, pieceID, pose.Position)
	s.log.Debug(ctx, "drag started", logging.String("piece_id", pieceID))
	return nil
}

// Drag moves the dragged piece to pos, applying the magnetic pull when a
// compatible point is within snap distance.
func (s *SnapService) Drag(ctx context.Context, pos model.Vec3) (DragFeedback, error) {
	s.mu.Lock()
	d := s.drag
	cfg := s.cfg
	snapping := s.snapping
	s.mu.Unlock()
	if d == nil {
		return DragFeedback{}, ErrNoDrag
	}
	if snapping {
		return DragFeedback{}, ErrSnapBusy
	}

	candidate := d.pose
	candidate.Position = model.NormalizeVector(pos, s.log)
	fb := DragFeedback{Pose: candidate}
	if cfg.Enabled && cfg.SnapDistance > 0 {
		if c := s.scan(d.pieceID, candidate, cfg.SnapDistance); c != nil {
			t := (1 - c.Distance/cfg.SnapDistance) * cfg.SnapStrength
			fb.Pose = LerpPose(candidate, c.SnapPose, t)
			fb.InRange = true
			fb.Candidate = c
		}
	}

	s.mu.Lock()
	if s.drag == d {
		d.pose = fb.Pose
		d.moved = true
		d.candidate = fb.Candidate
	}
	s.mu.Unlock()
	s.publish(events.PieceDrag, d.pieceID, fb.Pose.Position)
	return fb, nil
}

// Drop ends the drag. When a compatible point is within half the snap
// distance the piece is animated onto it and connected; the returned
// operation reports the outcome. Otherwise the drag pose is committed as a
// plain move and the returned operation is nil.
func (s *SnapService) Drop(ctx context.Context) (*SnapOperation, error) {
	s.mu.Lock()
	d := s.drag
	cfg := s.cfg
	if d == nil {
		s.mu.Unlock()
		return nil, ErrNoDrag
	}
	if s.snapping {
		s.mu.Unlock()
		return nil, ErrSnapBusy
	}
	s.mu.Unlock()

	var c *SnapCandidate
	if cfg.Enabled && cfg.AutoConnect && cfg.SnapDistance > 0 {
		c = s.scan(d.pieceID, d.pose, cfg.SnapDistance)
	}
	s.publish(events.PieceDragEnd, d.pieceID, d.pose.Position)

	if c == nil || c.Distance >= cfg.SnapDistance/2 {
		s.mu.Lock()
		s.drag = nil
		s.mu.Unlock()
		if !d.moved {
			return nil, nil
		}
		err := s.target.UpdatePiecePose(ctx, d.pieceID, d.pose)
		s.observe("dropped")
		return nil, err
	}

	op := newSnapOperation(*c)
	s.mu.Lock()
	s.snapping = true
	s.pending = op
	s.mu.Unlock()

	commitCtx := context.WithoutCancel(ctx)
	if s.scheduler == nil || cfg.AnimationDuration <= 0 {
		s.finish(commitCtx, op, d)
		return op, nil
	}

	tween := NewPoseTween(d.pose, c.SnapPose, cfg.AnimationDuration,
		func(pose model.Pose) {
			s.mu.Lock()
			s.animPose = &pose
			s.mu.Unlock()
			s.publish(events.PieceDrag, d.pieceID, pose.Position)
		},
		func() { s.finish(commitCtx, op, d) })
	op.task = s.scheduler.Add(tween)
	return op, nil
}

func (s *SnapService) finish(ctx context.Context, op *SnapOperation, d *dragState) {
	c := op.Candidate
	conn, err := s.target.CommitSnap(ctx, SnapCommit{
		PieceID:       c.PieceID,
		PointID:       c.PointID,
		TargetPieceID: c.TargetPieceID,
		TargetPointID: c.TargetPointID,
		Pose:          c.SnapPose,
		Distance:      c.Distance,
	})

	s.mu.Lock()
	s.snapping = false
	s.pending = nil
	s.animPose = nil
	if s.drag == d {
		s.drag = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Info(ctx, "snap commit refused",
			logging.String("piece_id", c.PieceID),
			logging.String("target_piece_id", c.TargetPieceID),
			logging.Err(err))
		s.observe("refused")
		s.publish(events.PieceMoved, d.pieceID, d.original.Position)
		op.complete(SnapOutcome{Pose: d.original, Err: err})
		return
	}
	s.observe("committed")
	s.publish(events.MagneticSnapComplete, c.PieceID, c.SnapPose.Position)
	op.complete(SnapOutcome{Connection: conn, Pose: c.SnapPose})
}

// CancelDrag abandons the drag and any pending snap animation. Nothing is
// committed. It reports whether there was anything to cancel.
func (s *SnapService) CancelDrag() bool {
	s.mu.Lock()
	d := s.drag
	op := s.pending
	s.drag = nil
	s.pending = nil
	s.snapping = false
	s.animPose = nil
	s.mu.Unlock()

	if op != nil {
		if s.scheduler != nil {
			s.scheduler.Cancel(op.task)
		}
		var original model.Pose
		if d != nil {
			original = d.original
		}
		op.complete(SnapOutcome{Pose: original, Cancelled: true})
		s.observe("cancelled")
	}
	if d == nil {
		return op != nil
	}
	s.publish(events.PieceDragEnd, d.pieceID, d.original.Position)
	return true
}

// FindCandidate returns the closest compatible pair for pieceID placed at
// pose, or nil when none lies within maxDistance.
func (s *SnapService) FindCandidate(pieceID string, pose model.Pose, maxDistance float64) *SnapCandidate {
	return s.scan(pieceID, pose, maxDistance)
}

// scan is the O(P·Q) pairwise search over the moving piece's free points and
// every other piece's free compatible points.
func (s *SnapService) scan(pieceID string, pose model.Pose, maxDistance float64) *SnapCandidate {
	var best *SnapCandidate
	s.target.ReadPieces(func(pieces []*model.Piece) {
		if s.index != nil {
			s.index.Refresh(pieces)
		}
		var moving *model.Piece
		for _, p := range pieces {
			if p.ID == pieceID {
				moving = p
				break
			}
		}
		if moving == nil {
			return
		}
		for _, mp := range moving.ConnectionPoints {
			if mp.IsOccupied {
				continue
			}
			world := WorldPoint(pose, mp.Position)
			var near map[string]bool
			if s.index != nil {
				near = s.index.Nearby(world, maxDistance)
			}
			for _, other := range pieces {
				if other.ID == pieceID || (near != nil && !near[other.ID]) {
					continue
				}
				for _, tp := range other.ConnectionPoints {
					if tp.IsOccupied || !CanMate(mp, tp) {
						continue
					}
					tw := WorldPoint(other.Pose, tp.Position)
					dist := world.DistanceTo(tw)
					if dist >= maxDistance || (best != nil && dist >= best.Distance) {
						continue
					}
					best = &SnapCandidate{
						PieceID:       pieceID,
						PointID:       mp.ID,
						TargetPieceID: other.ID,
						TargetPointID: tp.ID,
						Distance:      dist,
						TargetWorld:   tw,
						SnapPose:      AlignTranslation(pose, mp.Position, tw),
					}
				}
			}
		}
	})
	return best
}

func (s *SnapService) publish(t events.Type, pieceID string, pos model.Vec3) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, PieceID: pieceID, Position: pos, Time: s.clock.Now()})
}

func (s *SnapService) observe(outcome string) {
	if s.recorder != nil {
		s.recorder.ObserveSnap(outcome)
	}
}
