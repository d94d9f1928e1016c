package timectrl

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestTimeControllerSetTime(t *testing.T) {
	tc := NewTimeController(NewManualClock(epoch), time.Second, RealTime)

	newNow := epoch.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerAcceleratedStart(t *testing.T) {
	tc := NewTimeController(NewManualClock(epoch), 5*time.Millisecond, Accelerated)
	ticks := 0
	tc.AddListener(func(time.Time) { ticks++ })

	<-tc.Start(context.Background(), 15*time.Millisecond)

	expected := epoch.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
}

func TestTimeControllerStopsOnCancel(t *testing.T) {
	tc := NewTimeController(nil, time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
}

func TestRealTimeStepFollowsClock(t *testing.T) {
	clock := NewManualClock(epoch)
	tc := NewTimeController(clock, time.Second, RealTime)
	clock.Advance(250 * time.Millisecond)
	if got := tc.Step(); !got.Equal(epoch.Add(250 * time.Millisecond)) {
		t.Fatalf("Step() = %v", got)
	}
}

type countTask struct {
	n, until int
}

func (c *countTask) Advance(time.Time) { c.n++ }
func (c *countTask) Done() bool        { return c.n >= c.until }

func TestSchedulerDropsFinishedTasks(t *testing.T) {
	s := NewScheduler()
	a := &countTask{until: 1}
	b := &countTask{until: 3}
	s.Add(a)
	s.Add(b)

	if left := s.Advance(epoch); left != 1 {
		t.Fatalf("after first tick %d tasks left, want 1", left)
	}
	s.Advance(epoch)
	if left := s.Advance(epoch); left != 0 {
		t.Fatalf("after third tick %d tasks left, want 0", left)
	}
	if a.n != 1 || b.n != 3 {
		t.Fatalf("advance counts a=%d b=%d", a.n, b.n)
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	task := &countTask{until: 10}
	id := s.Add(task)
	s.Advance(epoch)
	if !s.Cancel(id) {
		t.Fatalf("Cancel returned false for active task")
	}
	s.Advance(epoch)
	if task.n != 1 {
		t.Fatalf("cancelled task advanced %d times, want 1", task.n)
	}
	if s.Cancel(id) {
		t.Fatalf("second Cancel should report inactive")
	}
}

func TestTweenProgressAndCompletion(t *testing.T) {
	var seen []float64
	finished := 0
	tw := &Tween{
		Duration: 300 * time.Millisecond,
		Step:     func(p float64) { seen = append(seen, p) },
		OnDone:   func() { finished++ },
	}
	s := NewScheduler()
	s.Add(tw)

	clock := NewManualClock(epoch)
	tc := NewTimeController(clock, 100*time.Millisecond, Accelerated)
	s.Attach(tc)
	for i := 0; i < 5; i++ {
		tc.Step()
	}

	want := []float64{0, 1.0 / 3, 2.0 / 3, 1}
	if len(seen) != len(want) {
		t.Fatalf("progress samples = %v, want %v", seen, want)
	}
	for i := range want {
		if d := seen[i] - want[i]; d > 1e-9 || d < -1e-9 {
			t.Fatalf("sample %d = %v, want %v", i, seen[i], want[i])
		}
	}
	if finished != 1 {
		t.Fatalf("OnDone called %d times", finished)
	}
	if s.Len() != 0 {
		t.Fatalf("tween still scheduled")
	}
}
