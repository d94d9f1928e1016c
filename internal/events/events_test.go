package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus()
	var all, created []Type
	bus.Subscribe(func(e Event) { all = append(all, e.Type) })
	bus.Subscribe(func(e Event) { created = append(created, e.Type) }, ConnectionCreated)

	bus.Publish(
		Event{Type: PieceMoved, PieceID: "a"},
		Event{Type: ConnectionCreated, ConnectionID: "c1"},
	)

	assert.Equal(t, []Type{PieceMoved, ConnectionCreated}, all)
	assert.Equal(t, []Type{ConnectionCreated}, created)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubA := bus.Subscribe(func(Event) { calls++ })
	unsubB := bus.Subscribe(func(Event) { calls += 10 })
	require.Equal(t, 2, bus.Len())

	unsubA()
	unsubA()
	bus.Publish(Event{Type: PieceMoved})
	assert.Equal(t, 10, calls)

	unsubB()
	assert.Zero(t, bus.Len())
}

func TestHandlersMaySubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	nested := 0
	bus.Subscribe(func(Event) {
		bus.Subscribe(func(Event) { nested++ })
	}, PieceAdded)

	bus.Publish(Event{Type: PieceAdded})
	assert.Zero(t, nested)
	bus.Publish(Event{Type: PieceMoved})
	assert.Equal(t, 1, nested)
}

func TestRecorderKeepsOrder(t *testing.T) {
	var rec Recorder
	rec.Publish(Event{Type: PieceDragStart}, Event{Type: PieceDrag})
	rec.Publish(Event{Type: PieceDragEnd})
	assert.Equal(t, []Type{PieceDragStart, PieceDrag, PieceDragEnd}, rec.Types())
	assert.Len(t, rec.Events(), 3)
}
