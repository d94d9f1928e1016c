package core

import (
	"context"
	"sync"
	"time"

	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

// BridgeConfig styles the yarn drawn between connected points.
type BridgeConfig struct {
	Visible         bool
	YarnColor       model.Color
	YarnThickness   float64
	YarnSag         float64
	AnimateCreation bool
	GrowDuration    time.Duration
}

// DefaultBridgeConfig returns the stock bridge style.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Visible:         true,
		YarnColor:       0xfffdd0,
		YarnThickness:   0.05,
		YarnSag:         0.1,
		AnimateCreation: true,
		GrowDuration:    DefaultAnimationDuration,
	}
}

// BridgeStyle is the per-bridge copy of the style settings.
type BridgeStyle struct {
	Visible   bool
	Color     model.Color
	Thickness float64
	Sag       float64
}

// Bridge is the view record of one connection.
type Bridge struct {
	ConnectionID string
	Piece1ID     string
	Piece2ID     string
	Anchor1      model.Vec3
	Anchor2      model.Vec3
	World1       model.Vec3
	World2       model.Vec3
	Style        BridgeStyle
	// Growth runs from 0 to 1 while the creation animation plays.
	Growth float64
}

// Curve samples the sagging yarn as a quadratic curve with n segments,
// truncated to the current growth.
func (b Bridge) Curve(n int) []model.Vec3 {
	if n < 1 {
		n = 1
	}
	length := b.World1.DistanceTo(b.World2)
	mid := b.World1.Lerp(b.World2, 0.5)
	ctrl := mid.Sub(model.V(0, b.Style.Sag*length, 0))
	out := make([]model.Vec3, 0, n+1)
	for i := 0; i <= n; i++ {
		t := float64(i) / float64(n) * b.Growth
		a := b.World1.Lerp(ctrl, t)
		c := ctrl.Lerp(b.World2, t)
		out = append(out, a.Lerp(c, t))
	}
	return out
}

// BridgeView is what the bridge store reads from the assembly.
type BridgeView interface {
	ReadPieces(fn func(pieces []*model.Piece))
	Connections() []model.Connection
}

// BridgeStore keeps one bridge per connection and a per-piece reverse index
// so that a moved piece only refreshes its own bridges. It is driven purely
// by assembly events.
type BridgeStore struct {
	mu sync.Mutex

	view      BridgeView
	cfg       BridgeConfig
	scheduler *timectrl.Scheduler
	log       logging.Logger

	bridges map[string]*Bridge
	order   []string
	byPiece map[string]map[string]bool
	tasks   map[string]timectrl.TaskID
	unsub   func()
}

// BridgeOption customises a BridgeStore.
type BridgeOption func(*BridgeStore)

// WithBridgeScheduler enables creation animation.
func WithBridgeScheduler(s *timectrl.Scheduler) BridgeOption {
	return func(b *BridgeStore) { b.scheduler = s }
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(l logging.Logger) BridgeOption {
	return func(b *BridgeStore) { b.log = l }
}

// NewBridgeStore creates an empty store reading geometry from view.
func NewBridgeStore(view BridgeView, cfg BridgeConfig, opts ...BridgeOption) *BridgeStore {
	b := &BridgeStore{
		view:    view,
		cfg:     cfg,
		log:     logging.Noop(),
		bridges: make(map[string]*Bridge),
		byPiece: make(map[string]map[string]bool),
		tasks:   make(map[string]timectrl.TaskID),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach subscribes the store to the assembly's event bus and builds
// bridges for connections that already exist.
func (b *BridgeStore) Attach(bus *events.Bus) {
	b.Close()
	unsub := bus.Subscribe(b.handle,
		events.ConnectionCreated,
		events.ConnectionRemoved,
		events.PieceMoved,
		events.AssemblyRestored,
	)
	b.mu.Lock()
	b.unsub = unsub
	b.mu.Unlock()
	b.Rebuild()
}

// Close unsubscribes and disposes every bridge.
func (b *BridgeStore) Close() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.disposeAllLocked()
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (b *BridgeStore) handle(ev events.Event) {
	switch ev.Type {
	case events.ConnectionCreated:
		if ev.Connection != nil {
			b.create(*ev.Connection, true)
		}
	case events.ConnectionRemoved:
		b.remove(ev.ConnectionID)
	case events.PieceMoved:
		b.refresh(ev.PieceID)
	case events.AssemblyRestored:
		b.Rebuild()
	}
}

// Rebuild discards all bridges and recreates them from the assembly's
// current connections without animation.
func (b *BridgeStore) Rebuild() {
	b.mu.Lock()
	b.disposeAllLocked()
	b.mu.Unlock()
	for _, c := range b.view.Connections() {
		b.create(c, false)
	}
}

func (b *BridgeStore) create(c model.Connection, animate bool) {
	br := &Bridge{ConnectionID: c.ID, Piece1ID: c.Piece1ID, Piece2ID: c.Piece2ID, Growth: 1}
	ok1, ok2 := false, false
	b.view.ReadPieces(func(pieces []*model.Piece) {
		for _, p := range pieces {
			switch p.ID {
			case c.Piece1ID:
				if pt := p.Point(c.Point1ID); pt != nil {
					br.Anchor1 = pt.Position
					br.World1 = WorldPoint(p.Pose, pt.Position)
					ok1 = true
				}
			case c.Piece2ID:
				if pt := p.Point(c.Point2ID); pt != nil {
					br.Anchor2 = pt.Position
					br.World2 = WorldPoint(p.Pose, pt.Position)
					ok2 = true
				}
			}
		}
	})
	if !ok1 || !ok2 {
		b.log.Warn(context.Background(), "bridge endpoints unresolved; skipping",
			logging.String("connection_id", c.ID))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.bridges[c.ID]; exists {
		return
	}
	br.Style = b.styleLocked()
	b.bridges[c.ID] = br
	b.order = append(b.order, c.ID)
	b.indexLocked(c.Piece1ID, c.ID)
	b.indexLocked(c.Piece2ID, c.ID)

	if animate && b.cfg.AnimateCreation && b.scheduler != nil && b.cfg.GrowDuration > 0 {
		br.Growth = 0
		id := c.ID
		b.tasks[id] = b.scheduler.Add(NewGrowTween(b.cfg.GrowDuration,
			func(g float64) {
				b.mu.Lock()
				if cur := b.bridges[id]; cur != nil {
					cur.Growth = g
				}
				b.mu.Unlock()
			},
			func() {
				b.mu.Lock()
				delete(b.tasks, id)
				b.mu.Unlock()
			}))
	}
}

func (b *BridgeStore) remove(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(connID)
}

func (b *BridgeStore) removeLocked(connID string) {
	br, ok := b.bridges[connID]
	if !ok {
		return
	}
	if task, ok := b.tasks[connID]; ok && b.scheduler != nil {
		b.scheduler.Cancel(task)
	}
	delete(b.tasks, connID)
	delete(b.bridges, connID)
	for i, id := range b.order {
		if id == connID {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	for _, pid := range []string{br.Piece1ID, br.Piece2ID} {
		if m := b.byPiece[pid]; m != nil {
			delete(m, connID)
			if len(m) == 0 {
				delete(b.byPiece, pid)
			}
		}
	}
}

func (b *BridgeStore) refresh(pieceID string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byPiece[pieceID]))
	for id := range b.byPiece[pieceID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	var (
		pose  model.Pose
		found bool
	)
	b.view.ReadPieces(func(pieces []*model.Piece) {
		for _, p := range pieces {
			if p.ID == pieceID {
				pose, found = p.Pose, true
				return
			}
		}
	})
	if !found {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		br := b.bridges[id]
		if br == nil {
			continue
		}
		if br.Piece1ID == pieceID {
			br.World1 = WorldPoint(pose, br.Anchor1)
		}
		if br.Piece2ID == pieceID {
			br.World2 = WorldPoint(pose, br.Anchor2)
		}
	}
}

// SetConfig restyles every bridge.
func (b *BridgeStore) SetConfig(cfg BridgeConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	style := b.styleLocked()
	for _, br := range b.bridges {
		br.Style = style
	}
}

// Get returns a copy of the bridge for a connection.
func (b *BridgeStore) Get(connID string) (Bridge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.bridges[connID]
	if !ok {
		return Bridge{}, false
	}
	return *br, true
}

// List returns copies of all bridges in creation order.
func (b *BridgeStore) List() []Bridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Bridge, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.bridges[id])
	}
	return out
}

// ForPiece returns the bridges attached to a piece.
func (b *BridgeStore) ForPiece(pieceID string) []Bridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Bridge
	for _, id := range b.order {
		if b.byPiece[pieceID][id] {
			out = append(out, *b.bridges[id])
		}
	}
	return out
}

// Len returns the number of bridges.
func (b *BridgeStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bridges)
}

func (b *BridgeStore) styleLocked() BridgeStyle {
	return BridgeStyle{
		Visible:   b.cfg.Visible,
		Color:     b.cfg.YarnColor,
		Thickness: b.cfg.YarnThickness,
		Sag:       b.cfg.YarnSag,
	}
}

func (b *BridgeStore) indexLocked(pieceID, connID string) {
	m := b.byPiece[pieceID]
	if m == nil {
		m = make(map[string]bool)
		b.byPiece[pieceID] = m
	}
	m[connID] = true
}

func (b *BridgeStore) disposeAllLocked() {
	for id := range b.bridges {
		b.removeLocked(id)
	}
}
