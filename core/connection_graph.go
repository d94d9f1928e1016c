package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
)

var (
	ErrConnectionExists   = errors.New("connection already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionBadInput = errors.New("invalid connection")
	ErrPointNotFound      = errors.New("connection point not found")
	ErrPointOccupied      = errors.New("connection point occupied")
	ErrSelfConnection     = errors.New("connection endpoints on the same piece")
)

// ConnectionGraph stores the connections of one assembly and keeps the
// reciprocal isOccupied/connectedTo fields of the points it binds in step.
// Points themselves live on the pieces held by the kb.Store.
type ConnectionGraph struct {
	mu sync.RWMutex

	store   *kb.Store
	conns   map[string]*model.Connection
	order   []string
	byPoint map[string]string
	byPiece map[string]map[string]*model.Connection
}

// NewConnectionGraph creates an empty graph over the pieces in store.
func NewConnectionGraph(store *kb.Store) *ConnectionGraph {
	return &ConnectionGraph{
		store:   store,
		conns:   make(map[string]*model.Connection),
		byPoint: make(map[string]string),
		byPiece: make(map[string]map[string]*model.Connection),
	}
}

//
// ---------- Mutation ----------
//

// Add validates and commits a connection, marking both points occupied and
// pointing at each other. Compatibility is the caller's concern.
func (g *ConnectionGraph) Add(c *model.Connection) error {
	if c == nil {
		return fmt.Errorf("%w", ErrConnectionBadInput)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrConnectionBadInput)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.conns[c.ID]; exists {
		return fmt.Errorf("%w: %q", ErrConnectionExists, c.ID)
	}
	if c.Piece1ID == c.Piece2ID {
		return fmt.Errorf("%w: %q", ErrSelfConnection, c.Piece1ID)
	}
	p1, pt1, err := g.resolveLocked(c.Piece1ID, c.Point1ID)
	if err != nil {
		return err
	}
	p2, pt2, err := g.resolveLocked(c.Piece2ID, c.Point2ID)
	if err != nil {
		return err
	}
	if pt1.IsOccupied {
		return fmt.Errorf("%w: %q", ErrPointOccupied, pt1.ID)
	}
	if pt2.IsOccupied {
		return fmt.Errorf("%w: %q", ErrPointOccupied, pt2.ID)
	}

	// Store canonical point ids even if the caller passed names.
	c.Point1ID, c.Point2ID = pt1.ID, pt2.ID
	pt1.IsOccupied, pt1.ConnectedTo = true, pt2.ID
	pt2.IsOccupied, pt2.ConnectedTo = true, pt1.ID

	g.conns[c.ID] = c
	g.order = append(g.order, c.ID)
	g.byPoint[pt1.ID] = c.ID
	g.byPoint[pt2.ID] = c.ID
	g.indexPieceLocked(p1.ID, c)
	g.indexPieceLocked(p2.ID, c)
	return nil
}

// Remove deletes a connection and frees both of its points.
func (g *ConnectionGraph) Remove(id string) (*model.Connection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, id)
	}
	g.removeLocked(c)
	return c, nil
}

// RemovePiece deletes every connection touching the piece and clears the
// reciprocal fields on its mates. It returns the removed connections in
// commit order.
func (g *ConnectionGraph) RemovePiece(pieceID string) []*model.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []*model.Connection
	for _, id := range append([]string(nil), g.order...) {
		c := g.conns[id]
		if c.Involves(pieceID) {
			g.removeLocked(c)
			removed = append(removed, c)
		}
	}
	delete(g.byPiece, pieceID)
	return removed
}

// Reset drops all connections without touching points.
func (g *ConnectionGraph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns = make(map[string]*model.Connection)
	g.order = nil
	g.byPoint = make(map[string]string)
	g.byPiece = make(map[string]map[string]*model.Connection)
}

func (g *ConnectionGraph) removeLocked(c *model.Connection) {
	for _, end := range [][2]string{{c.Piece1ID, c.Point1ID}, {c.Piece2ID, c.Point2ID}} {
		if p := g.store.Piece(end[0]); p != nil {
			if pt := p.Point(end[1]); pt != nil && pt.ConnectedTo != "" {
				pt.Clear()
			}
		}
		delete(g.byPoint, end[1])
		if m := g.byPiece[end[0]]; m != nil {
			delete(m, c.ID)
			if len(m) == 0 {
				delete(g.byPiece, end[0])
			}
		}
	}
	delete(g.conns, c.ID)
	for i, id := range g.order {
		if id == c.ID {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *ConnectionGraph) resolveLocked(pieceID, pointID string) (*model.Piece, *model.ConnectionPoint, error) {
	p := g.store.Piece(pieceID)
	if p == nil {
		return nil, nil, fmt.Errorf("%w: %q", kb.ErrPieceNotFound, pieceID)
	}
	pt := p.Point(pointID)
	if pt == nil {
		return nil, nil, fmt.Errorf("%w: %q on piece %q", ErrPointNotFound, pointID, pieceID)
	}
	return p, pt, nil
}

func (g *ConnectionGraph) indexPieceLocked(pieceID string, c *model.Connection) {
	m := g.byPiece[pieceID]
	if m == nil {
		m = make(map[string]*model.Connection)
		g.byPiece[pieceID] = m
	}
	m[c.ID] = c
}

//
// ---------- Queries ----------
//

// Get returns a copy of the connection.
func (g *ConnectionGraph) Get(id string) (model.Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	if !ok {
		return model.Connection{}, false
	}
	return copyConnection(c), true
}

// List returns copies of all connections in commit order.
func (g *ConnectionGraph) List() []model.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Connection, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyConnection(g.conns[id]))
	}
	return out
}

// Len returns the number of connections.
func (g *ConnectionGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// ForPoint returns the id of the connection binding pointID.
func (g *ConnectionGraph) ForPoint(pointID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byPoint[pointID]
	return id, ok
}

// Degree returns the number of connections touching the piece.
func (g *ConnectionGraph) Degree(pieceID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byPiece[pieceID])
}

// Neighbors returns the sorted ids of pieces connected to pieceID.
func (g *ConnectionGraph) Neighbors(pieceID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range g.byPiece[pieceID] {
		seen[c.Other(pieceID)] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Components partitions pieceIDs into connected components, preserving the
// order of first appearance.
func (g *ConnectionGraph) Components(pieceIDs []string) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Components(pieceIDs, g.listLocked())
}

func (g *ConnectionGraph) listLocked() []model.Connection {
	out := make([]model.Connection, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.conns[id])
	}
	return out
}

// Components is the free-standing form used by validation over snapshots.
func Components(pieceIDs []string, conns []model.Connection) [][]string {
	adj := make(map[string][]string, len(pieceIDs))
	for _, c := range conns {
		adj[c.Piece1ID] = append(adj[c.Piece1ID], c.Piece2ID)
		adj[c.Piece2ID] = append(adj[c.Piece2ID], c.Piece1ID)
	}
	known := make(map[string]bool, len(pieceIDs))
	for _, id := range pieceIDs {
		known[id] = true
	}
	visited := make(map[string]bool, len(pieceIDs))
	var out [][]string
	for _, start := range pieceIDs {
		if visited[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for _, n := range adj[cur] {
				if known[n] && !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		out = append(out, comp)
	}
	return out
}

//
// ---------- Invariants ----------
//

// Check verifies the structural invariants of the point graph and returns
// the first violation found.
func (g *ConnectionGraph) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bound := make(map[string]string)
	for _, id := range g.order {
		c := g.conns[id]
		if c.Piece1ID == c.Piece2ID {
			return fmt.Errorf("connection %q joins piece %q to itself", c.ID, c.Piece1ID)
		}
		_, pt1, err := g.resolveLocked(c.Piece1ID, c.Point1ID)
		if err != nil {
			return fmt.Errorf("connection %q: %w", c.ID, err)
		}
		_, pt2, err := g.resolveLocked(c.Piece2ID, c.Point2ID)
		if err != nil {
			return fmt.Errorf("connection %q: %w", c.ID, err)
		}
		if pt1.ConnectedTo != pt2.ID || pt2.ConnectedTo != pt1.ID || !pt1.IsOccupied || !pt2.IsOccupied {
			return fmt.Errorf("connection %q: points %q and %q are not reciprocal", c.ID, pt1.ID, pt2.ID)
		}
		for _, pid := range []string{pt1.ID, pt2.ID} {
			if other, dup := bound[pid]; dup {
				return fmt.Errorf("point %q bound by %q and %q", pid, other, c.ID)
			}
			bound[pid] = c.ID
		}
	}

	owners := make(map[string]bool)
	for _, p := range g.store.Pieces() {
		for _, pt := range p.ConnectionPoints {
			if owners[pt.ID] {
				return fmt.Errorf("point id %q is not unique", pt.ID)
			}
			owners[pt.ID] = true
			if pt.IsOccupied != (pt.ConnectedTo != "") {
				return fmt.Errorf("point %q occupied=%v but connectedTo=%q", pt.ID, pt.IsOccupied, pt.ConnectedTo)
			}
			if pt.IsOccupied {
				if _, ok := bound[pt.ID]; !ok {
					return fmt.Errorf("point %q occupied without a connection", pt.ID)
				}
			}
		}
	}
	return nil
}

func copyConnection(c *model.Connection) model.Connection {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
