package core

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

const (
	// DefaultCellSize is the edge of one grid cell in world units.
	DefaultCellSize = 5.0
	// DefaultRebuildInterval bounds how often the grid is rebuilt.
	DefaultRebuildInterval = 100 * time.Millisecond
)

type cellKey struct{ x, y, z int }

// SpatialIndex is a coarse integer grid listing, per cell, the pieces that
// have a connection point inside it. It is marked dirty by store events and
// rebuilt lazily, at most once per rebuild interval.
type SpatialIndex struct {
	mu       sync.Mutex
	cellSize float64
	cells    map[cellKey][]string
	dirty    bool
	builds   int

	limiter *rate.Limiter
	clock   timectrl.Clock
	unsub   func()
}

// NewSpatialIndex creates an index that listens to store for changes.
// A nil clock means the wall clock.
func NewSpatialIndex(store *kb.Store, clock timectrl.Clock, cellSize float64, interval time.Duration) *SpatialIndex {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	if interval <= 0 {
		interval = DefaultRebuildInterval
	}
	si := &SpatialIndex{
		cellSize: cellSize,
		cells:    make(map[cellKey][]string),
		dirty:    true,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		clock:    clock,
	}
	if store != nil {
		si.unsub = store.Subscribe(func(kb.Event) { si.Invalidate() })
	}
	return si
}

// Close stops listening to the store.
func (si *SpatialIndex) Close() {
	if si.unsub != nil {
		si.unsub()
		si.unsub = nil
	}
}

// Invalidate marks the grid stale.
func (si *SpatialIndex) Invalidate() {
	si.mu.Lock()
	si.dirty = true
	si.mu.Unlock()
}

// Refresh rebuilds the grid from pieces when it is stale and the rebuild
// budget allows. It reports whether a rebuild happened.
func (si *SpatialIndex) Refresh(pieces []*model.Piece) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	if !si.dirty || !si.limiter.AllowN(si.clock.Now(), 1) {
		return false
	}
	si.rebuildLocked(pieces)
	return true
}

// Rebuilds returns how many times the grid was rebuilt.
func (si *SpatialIndex) Rebuilds() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.builds
}

func (si *SpatialIndex) rebuildLocked(pieces []*model.Piece) {
	si.cells = make(map[cellKey][]string)
	for _, p := range pieces {
		seen := make(map[cellKey]bool)
		for _, pt := range p.ConnectionPoints {
			k := si.keyFor(WorldPoint(p.Pose, pt.Position))
			if seen[k] {
				continue
			}
			seen[k] = true
			si.cells[k] = append(si.cells[k], p.ID)
		}
	}
	si.dirty = false
	si.builds++
}

func (si *SpatialIndex) keyFor(v model.Vec3) cellKey {
	return cellKey{
		x: int(math.Floor(v.X / si.cellSize)),
		y: int(math.Floor(v.Y / si.cellSize)),
		z: int(math.Floor(v.Z / si.cellSize)),
	}
}

// Nearby returns the ids of pieces listed in any cell overlapping the cube
// of half-edge radius around pos.
func (si *SpatialIndex) Nearby(pos model.Vec3, radius float64) map[string]bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	lo := si.keyFor(pos.Sub(model.V(radius, radius, radius)))
	hi := si.keyFor(pos.Add(model.V(radius, radius, radius)))
	out := make(map[string]bool)
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			for z := lo.z; z <= hi.z; z++ {
				for _, id := range si.cells[cellKey{x, y, z}] {
					out[id] = true
				}
			}
		}
	}
	return out
}
