package kb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stitchworks/crochet3d/model"
)

var (
	ErrPieceExists    = errors.New("piece already exists")
	ErrPieceNotFound  = errors.New("piece not found")
	ErrPieceBadInput  = errors.New("invalid piece")
	ErrGroupExists    = errors.New("group already exists")
	ErrGroupNotFound  = errors.New("group not found")
	ErrAlreadyGrouped = errors.New("piece already belongs to a group")
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventPieceAdded EventType = iota
	EventPieceRemoved
	EventPieceMoved
	EventReset
)

// Event is emitted to subscribers when the piece set or a pose changes.
type Event struct {
	Type    EventType
	PieceID string
	Pose    model.Pose
}

// Store is an in-memory, thread-safe store for the pieces, groups and locked
// set of one assembly. Pieces are kept in insertion order so that
// serialization is deterministic.
type Store struct {
	mu sync.RWMutex

	pieces     map[string]*model.Piece
	order      []string
	groups     map[string]*model.Group
	groupOrder []string
	locked     map[string]bool

	nextSub int
	subs    map[int]func(Event)
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		pieces: make(map[string]*model.Piece),
		groups: make(map[string]*model.Group),
		locked: make(map[string]bool),
		subs:   make(map[int]func(Event)),
	}
}

//
// ---------- Pieces ----------
//

// AddPiece adds a new piece. It returns an error if the ID already exists.
// The store keeps the pointer; callers hand over ownership.
func (s *Store) AddPiece(p *model.Piece) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrPieceBadInput)
	}
	s.mu.Lock()
	if _, exists := s.pieces[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPieceExists, p.ID)
	}
	s.pieces[p.ID] = p
	s.order = append(s.order, p.ID)
	ev := Event{Type: EventPieceAdded, PieceID: p.ID, Pose: p.Pose}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return nil
}

// AddPieceAt inserts a piece at position idx of the insertion order. An
// index past the end appends.
func (s *Store) AddPieceAt(p *model.Piece, idx int) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrPieceBadInput)
	}
	s.mu.Lock()
	if _, exists := s.pieces[p.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPieceExists, p.ID)
	}
	if idx < 0 || idx > len(s.order) {
		idx = len(s.order)
	}
	s.pieces[p.ID] = p
	s.order = append(s.order, "")
	copy(s.order[idx+1:], s.order[idx:])
	s.order[idx] = p.ID
	ev := Event{Type: EventPieceAdded, PieceID: p.ID, Pose: p.Pose}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return nil
}

// IndexOf returns the insertion position of a piece, or -1.
func (s *Store) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

// Piece returns the live piece with the given ID, or nil if not found.
func (s *Store) Piece(id string) *model.Piece {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pieces[id]
}

// Has reports whether the piece exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pieces[id]
	return ok
}

// Pieces returns the live pieces in insertion order.
func (s *Store) Pieces() []*model.Piece {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Piece, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pieces[id])
	}
	return out
}

// IDs returns the piece ids in insertion order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of pieces.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pieces)
}

// RemovePiece deletes a piece, its lock and its group membership. Connection
// cleanup is the caller's job.
func (s *Store) RemovePiece(id string) (*model.Piece, error) {
	s.mu.Lock()
	p, ok := s.pieces[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrPieceNotFound, id)
	}
	delete(s.pieces, id)
	s.order = removeID(s.order, id)
	delete(s.locked, id)
	if gid := p.Metadata.GroupID; gid != "" {
		if g := s.groups[gid]; g != nil {
			g.Members = removeID(g.Members, id)
		}
	}
	ev := Event{Type: EventPieceRemoved, PieceID: id}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return p, nil
}

// UpdatePose replaces a piece's pose and notifies subscribers.
func (s *Store) UpdatePose(id string, pose model.Pose) error {
	s.mu.Lock()
	p, ok := s.pieces[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPieceNotFound, id)
	}
	p.Pose = pose
	ev := Event{Type: EventPieceMoved, PieceID: id, Pose: pose}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	notify(subs, ev)
	return nil
}

//
// ---------- Locks ----------
//

// Lock marks a piece as immutable. Locking an unknown piece is an error.
func (s *Store) Lock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pieces[id]; !ok {
		return fmt.Errorf("%w: %q", ErrPieceNotFound, id)
	}
	s.locked[id] = true
	return nil
}

// Unlock clears the lock on a piece. Unlocking an unlocked piece is a no-op.
func (s *Store) Unlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pieces[id]; !ok {
		return fmt.Errorf("%w: %q", ErrPieceNotFound, id)
	}
	delete(s.locked, id)
	return nil
}

// IsLocked reports whether mutation of the piece is refused.
func (s *Store) IsLocked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[id]
}

// LockedIDs returns locked piece ids in insertion order.
func (s *Store) LockedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if s.locked[id] {
			out = append(out, id)
		}
	}
	return out
}

//
// ---------- Groups ----------
//

// AddGroup registers a group and sets the groupId back-reference on every
// member. Members must exist and must not already belong to a group.
func (s *Store) AddGroup(g *model.Group) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("%w: group without id", ErrPieceBadInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("%w: %q", ErrGroupExists, g.ID)
	}
	for _, m := range g.Members {
		p, ok := s.pieces[m]
		if !ok {
			return fmt.Errorf("%w: group member %q", ErrPieceNotFound, m)
		}
		if p.Metadata.GroupID != "" {
			return fmt.Errorf("%w: %q in %q", ErrAlreadyGrouped, m, p.Metadata.GroupID)
		}
	}
	for _, m := range g.Members {
		s.pieces[m].Metadata.GroupID = g.ID
	}
	s.groups[g.ID] = g
	s.groupOrder = append(s.groupOrder, g.ID)
	return nil
}

// RemoveGroup dissolves a group and clears the members' back-references.
func (s *Store) RemoveGroup(id string) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, id)
	}
	for _, m := range g.Members {
		if p := s.pieces[m]; p != nil && p.Metadata.GroupID == id {
			p.Metadata.GroupID = ""
		}
	}
	delete(s.groups, id)
	s.groupOrder = removeID(s.groupOrder, id)
	return g, nil
}

// AddToGroup appends an ungrouped piece to an existing group.
func (s *Store) AddToGroup(groupID, pieceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrGroupNotFound, groupID)
	}
	p, ok := s.pieces[pieceID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPieceNotFound, pieceID)
	}
	if p.Metadata.GroupID != "" {
		return fmt.Errorf("%w: %q in %q", ErrAlreadyGrouped, pieceID, p.Metadata.GroupID)
	}
	p.Metadata.GroupID = groupID
	g.Members = append(g.Members, pieceID)
	return nil
}

// Group returns the group with the given ID, or nil.
func (s *Store) Group(id string) *model.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[id]
}

// Groups returns copies of the groups in creation order.
func (s *Store) Groups() []model.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Group, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		g := s.groups[id]
		out = append(out, model.Group{ID: g.ID, Name: g.Name, Members: append([]string(nil), g.Members...)})
	}
	return out
}

// Reset drops all content. Subscribers stay registered.
func (s *Store) Reset() {
	s.mu.Lock()
	s.pieces = make(map[string]*model.Piece)
	s.order = nil
	s.groups = make(map[string]*model.Group)
	s.groupOrder = nil
	s.locked = make(map[string]bool)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, Event{Type: EventReset})
}

// Subscribe registers a callback for store events. It returns an unsubscribe function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(s.subs))
	for id := 1; id <= s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
