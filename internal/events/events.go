// Package events carries the neutral event surface between the assembly
// engine and its observers (viewer adapters, snap, bridges).
package events

import (
	"sync"
	"time"

	"github.com/stitchworks/crochet3d/model"
)

// Type names an event. The string values are the wire names viewers bind to.
type Type string

const (
	PieceDragStart       Type = "piece-dragstart"
	PieceDrag            Type = "piece-drag"
	PieceDragEnd         Type = "piece-dragend"
	PieceMoved           Type = "piece-moved"
	PieceAdded           Type = "piece-added"
	PieceRemoved         Type = "piece-removed"
	ConnectionCreated    Type = "connection-created"
	ConnectionRemoved    Type = "connection-removed"
	MagneticSnapComplete Type = "magnetic-snap-complete"
	AssemblyRestored     Type = "assembly-restored"
)

// Event is published after the operation that produced it has committed.
type Event struct {
	Type         Type
	AssemblyID   string
	PieceID      string
	Position     model.Vec3
	ConnectionID string
	Connection   *model.Connection
	Time         time.Time
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evs ...Event)
}

// Bus is a synchronous fan-out. Handlers run on the publishing goroutine,
// outside the bus lock, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscription
}

type subscription struct {
	id    int
	types map[Type]bool
	fn    func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for the listed types, or for all events when none
// are given. It returns an unsubscribe function.
func (b *Bus) Subscribe(fn func(Event), types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := subscription{id: b.next, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	id := sub.id

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers events in order.
func (b *Bus) Publish(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, ev := range evs {
		for _, s := range subs {
			if s.types != nil && !s.types[ev.Type] {
				continue
			}
			s.fn(ev)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recorder collects events, for tests and the demo command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(evs ...Event) {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
