package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by engine components. Depending on the
// interface rather than time.Now keeps history ordering, validation caching
// and animation progress testable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime follows the controller's clock, one step per Tick of wall time.
	RealTime Mode = iota
	// Accelerated steps by Tick as fast as the loop can run.
	Accelerated
)

// DefaultTick is one frame at 60 Hz.
const DefaultTick = time.Second / 60

// TimeController drives the animation tick and notifies registered listeners
// (typically a Scheduler) with the tick time.
type TimeController struct {
	mu    sync.RWMutex
	Tick  time.Duration
	Mode  Mode
	clock Clock

	currentTime time.Time
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller. A nil clock means SystemClock;
// a non-positive tick means DefaultTick.
func NewTimeController(clock Clock, tick time.Duration, mode Mode) *TimeController {
	if clock == nil {
		clock = SystemClock{}
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &TimeController{
		Tick:        tick,
		Mode:        mode,
		clock:       clock,
		currentTime: clock.Now(),
	}
}

// Now returns the time of the last tick. Implements Clock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime overrides the controller time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances one tick and notifies listeners synchronously.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	if tc.Mode == Accelerated {
		tc.currentTime = tc.currentTime.Add(tc.Tick)
	} else {
		tc.currentTime = tc.clock.Now()
	}
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Start runs the controller in a separate goroutine until ctx is cancelled
// or, when duration > 0, until duration worth of ticks have elapsed. It
// returns a channel that is closed when the loop finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		elapsed := time.Duration(0)

		if tc.Mode == Accelerated {
			for duration <= 0 || elapsed < duration {
				if ctx.Err() != nil {
					return
				}
				tc.Step()
				elapsed += tc.Tick
			}
			return
		}

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			tc.Step()
			elapsed += tc.Tick
		}
	}()
	return done
}
