package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// pollIntervalForTest is a short real-wall-clock interval so these tests
// don't wait a full minute for the ticker; the fake clock, not the ticker,
// determines what the Planner considers "due".
const pollIntervalForTest = 20 * time.Millisecond

func TestLoopDispatchesDueCronTask(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, path, now)

	calls := make(chan struct{}, 8)
	err := s.Initialize(testRegistrations("tick", "* * * * *", func(context.Context) error {
		calls <- struct{}{}
		return nil
	}), pollIntervalForTest)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Stop()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the every-minute task to fire at least once")
	}
}

func TestLoopDoesNotRefireWithinSameMinute(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s, fc := newTestScheduler(t, path, now)

	calls := make(chan struct{}, 8)
	err := s.Initialize(testRegistrations("tick", "* * * * *", func(context.Context) error {
		calls <- struct{}{}
		return nil
	}), pollIntervalForTest)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Stop()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first fire")
	}

	// Several more ticks land within the same wall-clock minute; none
	// should produce a second invocation (lastEvaluatedFire already
	// credits this minute).
	_ = fc
	time.Sleep(10 * pollIntervalForTest)
	select {
	case <-calls:
		t.Fatal("task refired within the same credited minute")
	default:
	}
}

func TestLoopNonOverlapAcrossTicks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, path, now)

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	err := s.Initialize(testRegistrations("slow", "* * * * *", func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}), pollIntervalForTest)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the task to start")
	}

	// While the first invocation blocks, several more ticks pass; none
	// should start a second overlapping invocation.
	time.Sleep(10 * pollIntervalForTest)
	select {
	case <-started:
		t.Fatal("task ran concurrently with itself")
	default:
	}

	close(release)
	s.Stop()
}
