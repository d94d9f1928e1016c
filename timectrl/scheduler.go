package timectrl

import (
	"sync"
	"time"
)

// Task is an animation step driven by the scheduler tick.
type Task interface {
	// Advance moves the task to the given tick time.
	Advance(now time.Time)
	// Done reports whether the task has finished and can be dropped.
	Done() bool
}

// TaskID identifies a scheduled task.
type TaskID uint64

// Scheduler holds the set of active animation tasks. Cancelling a task is
// removal from the active set; the task is never advanced again.
type Scheduler struct {
	mu    sync.Mutex
	next  TaskID
	tasks map[TaskID]Task
	order []TaskID
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[TaskID]Task)}
}

// Add registers a task. It is first advanced on the next tick.
func (s *Scheduler) Add(t Task) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.tasks[id] = t
	s.order = append(s.order, id)
	return id
}

// Cancel removes a task. It reports whether the task was still active.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	s.removeLocked(id)
	return true
}

// Active reports whether the task is still scheduled.
func (s *Scheduler) Active(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Len returns the number of active tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Advance steps every active task in registration order and drops finished
// ones. Tasks may add or cancel tasks from inside Advance; tasks added during
// a tick start on the following tick. It returns the number of tasks still
// active.
func (s *Scheduler) Advance(now time.Time) int {
	s.mu.Lock()
	ids := append([]TaskID(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		t, ok := s.tasks[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		t.Advance(now)
		if t.Done() {
			s.mu.Lock()
			if _, still := s.tasks[id]; still {
				s.removeLocked(id)
			}
			s.mu.Unlock()
		}
	}
	return s.Len()
}

// Attach subscribes the scheduler to a controller's tick.
func (s *Scheduler) Attach(tc *TimeController) {
	tc.AddListener(func(now time.Time) { s.Advance(now) })
}

func (s *Scheduler) removeLocked(id TaskID) {
	delete(s.tasks, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Tween is a fixed-duration task that reports eased progress in [0,1] to
// Step on every tick and calls OnDone once when it completes. The start time
// is taken from the first tick unless Start is set.
type Tween struct {
	Start    time.Time
	Duration time.Duration
	Ease     func(float64) float64
	Step     func(progress float64)
	OnDone   func()

	done bool
}

// Advance implements Task.
func (tw *Tween) Advance(now time.Time) {
	if tw.done {
		return
	}
	if tw.Start.IsZero() {
		tw.Start = now
	}
	p := 1.0
	if tw.Duration > 0 {
		p = float64(now.Sub(tw.Start)) / float64(tw.Duration)
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	eased := p
	if tw.Ease != nil {
		eased = tw.Ease(p)
	}
	if tw.Step != nil {
		tw.Step(eased)
	}
	if p >= 1 {
		tw.done = true
		if tw.OnDone != nil {
			tw.OnDone()
		}
	}
}

// Done implements Task.
func (tw *Tween) Done() bool { return tw.done }

// Finish jumps the tween to completion.
func (tw *Tween) Finish() {
	if tw.done {
		return
	}
	if tw.Step != nil {
		tw.Step(1)
	}
	tw.done = true
	if tw.OnDone != nil {
		tw.OnDone()
	}
}
