package planner

import (
	"context"
	"testing"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/cron"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

func mustDef(t *testing.T, cronText string) registry.TaskDefinition {
	t.Helper()
	e, err := cron.Parse(cronText)
	if err != nil {
		t.Fatal(err)
	}
	return registry.TaskDefinition{
		Name:     "task",
		Cron:     e,
		Callback: func(context.Context) error { return nil },
	}
}

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestPlanRule1SkipsWhenRunning(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "* * * * *")
	rt := store.TaskRecord{IsRunning: true}
	res, err := Plan(def, rt, at("2024-01-01T12:00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != None {
		t.Errorf("Mode = %q, want None", res.Mode)
	}
}

func TestPlanRule2RetryDue(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "0 0 1 1 *") // never matches "now" below
	now := at("2024-01-01T12:00:00")
	rt := store.TaskRecord{
		PendingRetryUntil: ptr(now.Add(-time.Second)),
		LastEvaluatedFire: ptr(now.Add(-time.Hour)),
	}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != RetryMode {
		t.Errorf("Mode = %q, want RetryMode", res.Mode)
	}
}

func TestPlanRule2RetryExactlyDueFires(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "0 0 1 1 *")
	now := at("2024-01-01T12:00:00")
	rt := store.TaskRecord{
		PendingRetryUntil: ptr(now),
		LastEvaluatedFire: ptr(now.Add(-time.Hour)),
	}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != RetryMode {
		t.Errorf("Mode = %q, want RetryMode (retry fires no earlier than pendingRetryUntil, but at it)", res.Mode)
	}
}

func TestPlanRule2RetryPrecedesCron(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "* * * * *") // matches every minute, including now
	now := at("2024-01-01T12:00:00")
	rt := store.TaskRecord{
		PendingRetryUntil: ptr(now.Add(-time.Second)),
		LastEvaluatedFire: ptr(now.Add(-time.Minute)),
	}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != RetryMode {
		t.Errorf("Mode = %q, want RetryMode to take precedence over a coincident cron match", res.Mode)
	}
}

func TestPlanRule3FirstEverMatchFires(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "* * * * *")
	now := at("2024-01-01T12:00:00")
	rt := store.TaskRecord{} // no history at all
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != CronMode {
		t.Errorf("Mode = %q, want CronMode", res.Mode)
	}
}

func TestPlanRule3FirstEverNoMatchWaits(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "0 0 * * *") // only matches midnight
	now := at("2024-01-01T12:00:00")
	rt := store.TaskRecord{}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != None {
		t.Errorf("Mode = %q, want None (never fire retroactively with no history)", res.Mode)
	}
}

func TestPlanRule4FiresOncePerMinute(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "* * * * *")
	now := at("2024-01-01T12:01:30")
	rt := store.TaskRecord{LastEvaluatedFire: ptr(at("2024-01-01T12:01:00"))}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != None {
		t.Errorf("Mode = %q, want None: already credited this minute", res.Mode)
	}
}

func TestPlanRule4FiresNextMinute(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "* * * * *")
	now := at("2024-01-01T12:02:30")
	rt := store.TaskRecord{LastEvaluatedFire: ptr(at("2024-01-01T12:01:00"))}
	res, err := Plan(def, rt, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != CronMode {
		t.Errorf("Mode = %q, want CronMode", res.Mode)
	}
	if !res.EligibleAt.Equal(at("2024-01-01T12:02:00")) {
		t.Errorf("EligibleAt = %s, want 12:02:00", res.EligibleAt)
	}
}

func TestPlanRule5CatchesUpExactlyOneMissedMinute(t *testing.T) {
	t.Parallel()
	// Scenario 3 from spec.md §8: hourly task paused, resumed after a long gap.
	def := mustDef(t, "0 * * * *")
	rt := store.TaskRecord{LastEvaluatedFire: ptr(at("2024-01-01T11:00:00"))}

	res, err := Plan(def, rt, at("2024-01-01T14:37:00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != CronMode {
		t.Fatalf("Mode = %q, want CronMode", res.Mode)
	}
	if !res.EligibleAt.Equal(at("2024-01-01T12:00:00")) {
		t.Errorf("EligibleAt = %s, want the single missed fire minute (12:00), per spec.md §8 scenario 3", res.EligibleAt)
	}

	// Simulate the Executor stamping lastEvaluatedFire at dispatch: the
	// next tick should catch up by one more hour, not replay everything.
	rt.LastEvaluatedFire = ptr(at("2024-01-01T12:00:00"))
	res, err = Plan(def, rt, at("2024-01-01T14:38:00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != CronMode {
		t.Fatalf("Mode = %q, want CronMode", res.Mode)
	}
	if !res.EligibleAt.Equal(at("2024-01-01T13:00:00")) {
		t.Errorf("EligibleAt = %s, want 13:00", res.EligibleAt)
	}
}

func TestPlanRule6NoCatchUpWhenNothingMissed(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "0 * * * *")
	rt := store.TaskRecord{LastEvaluatedFire: ptr(at("2024-01-01T14:00:00"))}
	res, err := Plan(def, rt, at("2024-01-01T14:38:00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != None {
		t.Errorf("Mode = %q, want None", res.Mode)
	}
}

func TestPlanCalculationErrorPropagates(t *testing.T) {
	t.Parallel()
	def := mustDef(t, "0 0 30 2 *") // February 30th never occurs
	rt := store.TaskRecord{LastEvaluatedFire: ptr(at("2024-01-01T00:00:00"))}
	_, err := Plan(def, rt, at("2024-06-01T00:00:00"))
	if err == nil {
		t.Fatal("expected CronCalculationError, got nil")
	}
}
