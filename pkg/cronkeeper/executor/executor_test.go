package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/clock"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/observability"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/planner"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

func newTestExecutor(t *testing.T, cb registry.Callback, retryDelay time.Duration, now time.Time) (*Executor, *store.Store, *clock.Fake) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "state.json"))

	reg, _, err := registry.Build([]registry.Registration{
		{Name: "task", CronText: "* * * * *", Callback: cb, RetryDelay: retryDelay},
	}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Seed an initial persisted record, the way the Facade's first-time
	// initialize path would.
	err = st.Transaction(func(s store.Storage) error {
		current := s.GetCurrentState()
		current.Upsert(store.TaskRecord{Name: "task", CronExpression: "* * * * *", RetryDelayMs: retryDelay.Milliseconds()})
		s.SetState(current)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(now)
	obs := observability.New(nil)
	return New(st, reg, fc, obs), st, fc
}

func waitForRecord(t *testing.T, st *store.Store) store.TaskRecord {
	t.Helper()
	var rec store.TaskRecord
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := st.Transaction(func(s store.Storage) error {
			current := s.GetCurrentState()
			if r, ok := current.Find("task"); ok {
				rec = *r
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if !rec.IsRunning && rec.LastAttemptTime != nil {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for task to settle")
	return rec
}

func TestDispatchSuccessRecordsSuccess(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	exec, st, _ := newTestExecutor(t, func(context.Context) error { return nil }, time.Minute, now)

	exec.Dispatch(context.Background(), "task", planner.CronMode, clock.FloorToMinute(now))
	exec.Wait()

	rec := waitForRecord(t, st)
	if rec.LastSuccessTime == nil {
		t.Error("LastSuccessTime not set")
	}
	if rec.LastFailureTime != nil {
		t.Error("LastFailureTime should be cleared on success")
	}
	if rec.PendingRetryUntil != nil {
		t.Error("PendingRetryUntil should be cleared on success")
	}
	if rec.LastEvaluatedFire == nil || !rec.LastEvaluatedFire.Equal(clock.FloorToMinute(now)) {
		t.Errorf("LastEvaluatedFire = %v, want %v", rec.LastEvaluatedFire, clock.FloorToMinute(now))
	}
}

func TestDispatchFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	exec, st, _ := newTestExecutor(t, func(context.Context) error { return boom }, 5*time.Minute, now)

	exec.Dispatch(context.Background(), "task", planner.CronMode, clock.FloorToMinute(now))
	exec.Wait()

	rec := waitForRecord(t, st)
	if rec.LastFailureTime == nil {
		t.Fatal("LastFailureTime not set")
	}
	if rec.PendingRetryUntil == nil {
		t.Fatal("PendingRetryUntil not set")
	}
	want := rec.LastFailureTime.Add(5 * time.Minute)
	if !rec.PendingRetryUntil.Equal(want) {
		t.Errorf("PendingRetryUntil = %v, want %v", rec.PendingRetryUntil, want)
	}
	if rec.LastSuccessTime != nil {
		t.Error("LastSuccessTime should be cleared on failure")
	}
}

func TestDispatchDropsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	cb := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return nil
	}

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	exec, _, _ := newTestExecutor(t, cb, time.Minute, now)

	exec.Dispatch(context.Background(), "task", planner.CronMode, clock.FloorToMinute(now))
	<-started

	// A second dispatch while the first is still in flight must be
	// dropped, never invoking the callback concurrently.
	exec.Dispatch(context.Background(), "task", planner.CronMode, clock.FloorToMinute(now))

	close(release)
	exec.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("callback invoked %d times, want 1", got)
	}
}

func TestIsRunningDuringExecution(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	cb := func(context.Context) error {
		close(started)
		<-release
		return nil
	}

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	exec, _, _ := newTestExecutor(t, cb, time.Minute, now)

	exec.Dispatch(context.Background(), "task", planner.CronMode, clock.FloorToMinute(now))
	<-started
	if !exec.IsRunning("task") {
		t.Error("expected IsRunning to be true mid-execution")
	}
	close(release)
	exec.Wait()
	if exec.IsRunning("task") {
		t.Error("expected IsRunning to be false after completion")
	}
}
