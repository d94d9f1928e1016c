// Package assembly is the guarded API over one crochet assembly. It owns
// the pieces, connection points, connections, groups and locked set, and
// routes every mutation through the tier guard, validation and history.
package assembly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/recovery"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

const tracerName = "github.com/stitchworks/crochet3d/internal/assembly"

// Version is the model version stamped on new assemblies.
const Version = "2.0.0"

// MetricsRecorder receives entity counts and per-operation outcomes.
type MetricsRecorder interface {
	SetAssemblyCounts(pieces, connections, groups, historyEntries int)
	ObserveOperation(op, result string, d time.Duration)
	ObserveValidation(score int)
}

// Assembly is the root of the model. All methods are safe for concurrent
// use; events are delivered after the state lock is released.
type Assembly struct {
	// mu serialises mutations. Take it before the store or graph locks.
	mu sync.RWMutex

	id           string
	name         string
	version      string
	revision     uint64
	lastModified time.Time
	recovered    bool

	// allowFloating is set by an explicit disconnect, after which a
	// disconnected structure is acceptable to validation.
	allowFloating bool

	store *kb.Store
	graph *core.ConnectionGraph

	guard     *tier.Guard
	validator *validation.Engine
	timeline  *history.Timeline
	recovery  *recovery.Manager
	bus       events.Publisher
	clock     timectrl.Clock
	log       logging.Logger
	metrics   MetricsRecorder

	checkInvariants bool
	autoSave        bool

	// undo holds the inverse of each undoable history entry by entry id.
	undo map[uint64]*change
	// pending are the events of the operation in progress.
	pending []events.Event
}

// Option customises an Assembly.
type Option func(*Assembly)

// WithID fixes the assembly id instead of generating one.
func WithID(id string) Option {
	return func(a *Assembly) { a.id = id }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Assembly) {
		if l != nil {
			a.log = l
		}
	}
}

// WithClock sets the time source for timestamps and history.
func WithClock(c timectrl.Clock) Option {
	return func(a *Assembly) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(a *Assembly) { a.metrics = m }
}

// WithGuard uses an existing tier guard. Its tier is switched to the tier
// passed to New.
func WithGuard(g *tier.Guard) Option {
	return func(a *Assembly) { a.guard = g }
}

// WithValidator uses a shared validation engine.
func WithValidator(v *validation.Engine) Option {
	return func(a *Assembly) { a.validator = v }
}

// WithHistory uses an existing timeline.
func WithHistory(t *history.Timeline) Option {
	return func(a *Assembly) { a.timeline = t }
}

// WithEvents publishes committed changes to p.
func WithEvents(p events.Publisher) Option {
	return func(a *Assembly) { a.bus = p }
}

// WithRecovery enables Save, Load, backups and risky operations.
func WithRecovery(m *recovery.Manager) Option {
	return func(a *Assembly) { a.recovery = m }
}

// WithInvariantChecks toggles the structural check run after every
// mutation. It is on by default.
func WithInvariantChecks(on bool) Option {
	return func(a *Assembly) { a.checkInvariants = on }
}

// WithAutoSave saves after every successful mutation when the tier allows
// saving.
func WithAutoSave() Option {
	return func(a *Assembly) { a.autoSave = true }
}

// New creates an empty assembly on tier t.
func New(name string, t tier.Tier, opts ...Option) (*Assembly, error) {
	a := &Assembly{
		name:            name,
		version:         Version,
		clock:           timectrl.SystemClock{},
		log:             logging.Noop(),
		checkInvariants: true,
		undo:            make(map[uint64]*change),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.id == "" {
		a.id = uuid.NewString()
	}
	if a.guard == nil {
		g, err := tier.NewGuard(t, tier.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		a.guard = g
	} else if err := a.guard.SetTier(t); err != nil {
		return nil, err
	}
	if a.validator == nil {
		a.validator = validation.New(validation.WithClock(a.clock), validation.WithLogger(a.log))
	}
	if a.timeline == nil {
		a.timeline = history.New(history.WithClock(a.clock))
	}
	a.store = kb.NewStore()
	a.graph = core.NewConnectionGraph(a.store)
	a.lastModified = a.clock.Now()
	a.log = a.log.With(logging.String("assembly_id", a.id))
	a.updateMetrics()
	return a, nil
}

//
// ---------- accessors ----------
//

// ID returns the assembly id.
func (a *Assembly) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// Name returns the display name.
func (a *Assembly) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

// Revision increases with every committed change, undo and redo.
func (a *Assembly) Revision() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.revision
}

// LastModified is the time of the latest committed change.
func (a *Assembly) LastModified() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastModified
}

// IsRecovered reports whether the content came through the recovery path.
func (a *Assembly) IsRecovered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recovered
}

// AllowFloating reports whether an explicit disconnect has made a
// disconnected structure acceptable.
func (a *Assembly) AllowFloating() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allowFloating
}

// Tier returns the current tier.
func (a *Assembly) Tier() tier.Tier { return a.guard.Tier() }

// Guard exposes the tier guard.
func (a *Assembly) Guard() *tier.Guard { return a.guard }

// Validator exposes the validation engine.
func (a *Assembly) Validator() *validation.Engine { return a.validator }

// History exposes the timeline. Callers must not append to it.
func (a *Assembly) History() *history.Timeline { return a.timeline }

// Piece returns a copy of the piece.
func (a *Assembly) Piece(id string) (*model.Piece, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := a.store.Piece(id)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

// Pieces returns copies of all pieces in insertion order.
func (a *Assembly) Pieces() []*model.Piece {
	a.mu.RLock()
	defer a.mu.RUnlock()
	live := a.store.Pieces()
	out := make([]*model.Piece, len(live))
	for i, p := range live {
		out[i] = p.Clone()
	}
	return out
}

// PieceCount returns the number of pieces.
func (a *Assembly) PieceCount() int { return a.store.Len() }

// ReadPieces hands fn the live pieces under the read lock. fn must neither
// retain nor mutate them and must not call back into the assembly.
func (a *Assembly) ReadPieces(fn func(pieces []*model.Piece)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.store.Pieces())
}

// Connections returns copies of all connections in commit order.
func (a *Assembly) Connections() []model.Connection { return a.graph.List() }

// Connection returns a copy of one connection.
func (a *Assembly) Connection(id string) (model.Connection, bool) { return a.graph.Get(id) }

// Groups returns copies of the groups.
func (a *Assembly) Groups() []model.Group { return a.store.Groups() }

// LockedIDs returns the locked pieces in insertion order.
func (a *Assembly) LockedIDs() []string { return a.store.LockedIDs() }

// IsLocked reports whether mutation of the piece is refused.
func (a *Assembly) IsLocked(pieceID string) bool { return a.store.IsLocked(pieceID) }

// WorldPointPosition derives the world position of a connection point from
// its owning piece's pose.
func (a *Assembly) WorldPointPosition(pointID string) (model.Vec3, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.store.Pieces() {
		for _, pt := range p.ConnectionPoints {
			if pt.ID == pointID {
				return core.WorldPoint(p.Pose, pt.Position), nil
			}
		}
	}
	return model.Vec3{}, opErr("WorldPointPosition", KindNotFound, pointID, core.ErrPointNotFound)
}

// NewSpatialIndex returns a spatial index that the assembly's piece store
// keeps current, for use by a snap service.
func (a *Assembly) NewSpatialIndex(cellSize float64, interval time.Duration) *core.SpatialIndex {
	return core.NewSpatialIndex(a.store, a.clock, cellSize, interval)
}

// Counts is the usage the tier guard sees.
func (a *Assembly) Counts() tier.Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.countsLocked()
}

func (a *Assembly) countsLocked() tier.Counts {
	c := tier.Counts{Connections: a.graph.Len(), ProjectID: a.id}
	for _, p := range a.store.Pieces() {
		c.Pieces++
		if p.IsCustom {
			c.CustomPieces++
		}
	}
	return c
}

// CanPerform asks the tier guard about n units of op against the current
// usage.
func (a *Assembly) CanPerform(op tier.Operation, n int) tier.Decision {
	return a.guard.CanPerform(op, n, a.Counts())
}

// SetTier switches the tier. Usage counters are kept.
func (a *Assembly) SetTier(t tier.Tier) error {
	if err := a.guard.SetTier(t); err != nil {
		return opErr("SetTier", KindInvalidType, string(t), err)
	}
	a.mu.Lock()
	a.touchLocked()
	a.mu.Unlock()
	a.log.Info(context.Background(), "tier changed", logging.String("tier", string(t)))
	return nil
}

// Validate grades the assembly against the enabled rules for its tier.
func (a *Assembly) Validate(ctx context.Context) validation.Result {
	_, span := startSpan(ctx, "assembly.Validate", "")
	defer span.End()
	a.mu.RLock()
	snap := a.snapshotLocked(false)
	in := validation.Input{Assembly: &snap, Tier: a.guard.Tier(), AllowFloating: a.allowFloating}
	a.mu.RUnlock()

	res := a.validator.ValidateAssembly(in)
	span.SetAttributes(attribute.Int("score", res.Score))
	if a.metrics != nil {
		a.metrics.ObserveValidation(res.Score)
	}
	return res
}

//
// ---------- snapshots ----------
//

// Snapshot returns the plain record of the whole assembly, history included.
func (a *Assembly) Snapshot() model.AssemblySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(true)
}

func (a *Assembly) snapshotLocked(withHistory bool) model.AssemblySnapshot {
	live := a.store.Pieces()
	s := model.AssemblySnapshot{
		ID:           a.id,
		Name:         a.name,
		Version:      a.version,
		Revision:     a.revision,
		Pieces:       make([]model.PieceSnapshot, 0, len(live)),
		Connections:  a.graph.List(),
		Groups:       a.store.Groups(),
		Locked:       a.store.LockedIDs(),
		CurrentTier:  string(a.guard.Tier()),
		Usage:        a.guard.Snapshot(),
		LastModified: a.lastModified.UnixMilli(),
		IsRecovered:  a.recovered,
	}
	for _, p := range live {
		s.Pieces = append(s.Pieces, model.SnapshotPiece(p))
	}
	if withHistory {
		s.History = a.timeline.Records()
		s.Bookmarks = a.timeline.BookmarkIDs()
	}
	return s
}

// Restore replaces the whole content with snap, including the tier and
// usage counters it carries. Undo information is dropped. The snapshot must
// pass the structural checks.
func (a *Assembly) Restore(snap model.AssemblySnapshot) error {
	return a.restore(snap, true)
}

// Adopt replaces the content with snap like Restore but keeps this
// assembly's tier and usage. Use it for documents from outside the store.
func (a *Assembly) Adopt(snap model.AssemblySnapshot) error {
	return a.restore(snap, false)
}

func (a *Assembly) restore(snap model.AssemblySnapshot, account bool) error {
	a.mu.Lock()
	err := a.restoreLocked(snap, account)
	evs := a.takeLocked()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.publish(evs)
	a.updateMetrics()
	return nil
}

func (a *Assembly) restoreLocked(snap model.AssemblySnapshot, account bool) error {
	if err := recovery.CheckSnapshot(&snap); err != nil {
		return opErr("Restore", KindInvalidType, snap.ID, err)
	}
	grouped := make(map[string]bool)
	for _, g := range snap.Groups {
		for _, m := range g.Members {
			if grouped[m] {
				return opErr("Restore", KindInvalidType, m, kb.ErrAlreadyGrouped)
			}
			grouped[m] = true
		}
	}
	pieces := make(map[string]bool, len(snap.Pieces))
	for _, ps := range snap.Pieces {
		pieces[ps.ID] = true
	}
	for _, id := range snap.Locked {
		if !pieces[id] {
			return opErr("Restore", KindInvalidType, id, fmt.Errorf("locked piece %q is not in the assembly", id))
		}
	}
	t := a.guard.Tier()
	if account && snap.CurrentTier != "" {
		parsed, err := tier.Parse(snap.CurrentTier)
		if err != nil {
			return opErr("Restore", KindInvalidType, snap.CurrentTier, err)
		}
		t = parsed
	}

	a.store.Reset()
	a.graph.Reset()
	for _, ps := range snap.Pieces {
		p := model.RestorePiece(ps)
		p.Metadata.GroupID = ""
		for _, pt := range p.ConnectionPoints {
			pt.Clear()
		}
		if err := a.store.AddPiece(p); err != nil {
			return a.invariantFailure("Restore", "reference-integrity", err)
		}
	}
	for _, c := range snap.Connections {
		if err := a.graph.Add(copyConn(c)); err != nil {
			return a.invariantFailure("Restore", "point-reciprocity", err)
		}
	}
	for _, g := range snap.Groups {
		cp := &model.Group{ID: g.ID, Name: g.Name, Members: append([]string(nil), g.Members...)}
		if err := a.store.AddGroup(cp); err != nil {
			return a.invariantFailure("Restore", "group-membership", err)
		}
	}
	for _, id := range snap.Locked {
		if err := a.store.Lock(id); err != nil {
			return a.invariantFailure("Restore", "reference-integrity", err)
		}
	}

	if account {
		if err := a.guard.SetTier(t); err != nil {
			return a.invariantFailure("Restore", "tier", err)
		}
		a.guard.Restore(snap.Usage)
	}
	a.timeline.Restore(snap.History, snap.Bookmarks)
	a.validator.ClearCache()

	if snap.ID != "" {
		a.id = snap.ID
	}
	a.name = snap.Name
	if snap.Version != "" {
		a.version = snap.Version
	}
	a.revision = snap.Revision
	a.lastModified = time.UnixMilli(snap.LastModified)
	a.recovered = snap.IsRecovered
	a.allowFloating = false
	a.undo = make(map[uint64]*change)
	a.queue(events.Event{Type: events.AssemblyRestored})
	return nil
}

// invariantFailure is used where a checked snapshot still fails to load;
// the store is left partially filled so the operation must not continue.
func (a *Assembly) invariantFailure(op, rule string, err error) error {
	a.log.Error(context.Background(), "restore failed after checks passed",
		logging.String("rule", rule), logging.Err(err))
	return &InvariantError{Op: op, Rule: rule, Err: err}
}

// RecordSystem appends a non-undoable entry. It does not count as a
// mutation and does not advance the revision.
func (a *Assembly) RecordSystem(typ history.EntryType, description string, data map[string]any) {
	a.mu.Lock()
	_, _, err := a.timeline.Append(history.Entry{Type: typ, Description: description, Data: data, Tags: []string{"system"}})
	a.mu.Unlock()
	if err != nil {
		a.log.Warn(context.Background(), "system history entry rejected", logging.String("type", string(typ)), logging.Err(err))
	}
	a.updateMetrics()
}

//
// ---------- events, metrics, tracing ----------
//

func (a *Assembly) queue(ev events.Event) {
	ev.AssemblyID = a.id
	ev.Time = a.clock.Now()
	a.pending = append(a.pending, ev)
}

func (a *Assembly) takeLocked() []events.Event {
	evs := a.pending
	a.pending = nil
	return evs
}

func (a *Assembly) publish(evs []events.Event) {
	if a.bus == nil || len(evs) == 0 {
		return
	}
	a.bus.Publish(evs...)
}

func (a *Assembly) touchLocked() {
	a.revision++
	a.lastModified = a.clock.Now()
}

func (a *Assembly) updateMetrics() {
	if a.metrics == nil {
		return
	}
	a.mu.RLock()
	pieces, conns, groups := a.store.Len(), a.graph.Len(), len(a.store.Groups())
	a.mu.RUnlock()
	a.metrics.SetAssemblyCounts(pieces, conns, groups, a.timeline.Len())
}

func (a *Assembly) observe(op string, err error, start time.Time) {
	if a.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if k := KindOf(err); k != "" {
			result = string(k)
		}
	}
	a.metrics.ObserveOperation(op, result, time.Since(start))
	a.updateMetrics()
}

func startSpan(ctx context.Context, name, ref string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if ref != "" {
		attrs = append(attrs, attribute.String("entity_id", ref))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func copyConn(c model.Connection) *model.Connection {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (a *Assembly) String() string {
	return fmt.Sprintf("assembly %s (%d pieces, %d connections)", a.ID(), a.store.Len(), a.graph.Len())
}
