// Package planner decides, for one task at one instant, whether it is due
// to fire and in what mode. Plan is a pure function: no I/O, no locks, no
// side effects — every rule it implements is unit-testable directly.
package planner

import (
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/clock"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// Mode identifies why a task is due to fire.
type Mode string

const (
	// None means the task is not due this tick.
	None Mode = ""
	// CronMode means the current minute matches the task's cron schedule
	// (or rule 5's single-minute catch-up applies).
	CronMode Mode = "cron"
	// RetryMode means the task's pendingRetryUntil has been reached,
	// independent of its cron schedule.
	RetryMode Mode = "retry"
)

// Result is Plan's decision for one task.
type Result struct {
	Mode Mode
	// EligibleAt is the fire minute being credited: the current minute,
	// floored, for a direct cron/retry match (rules 2-4), or the single
	// missed fire minute being caught up for rule 5. It is only
	// meaningful when Mode != None; the Executor stamps it onto
	// lastEvaluatedFire at dispatch for CronMode (spec.md §4.6). Rule 5's
	// worked example (spec.md §8, scenario 3) advances lastEvaluatedFire
	// one missed fire at a time rather than jumping straight to the
	// current minute, which is what lets a long-paused hourly task catch
	// up one tick per missed hour instead of stampeding.
	EligibleAt time.Time
}

// Plan implements the six ordered rules of spec.md §4.5. now need not be
// minute-aligned; Plan floors it internally.
//
// A non-nil error is returned only when rule 5's NextAfter calculation
// exceeds its iteration cap (errs.CronCalculationError); callers should
// treat that as "skip this task this tick" and log a warning, per
// spec.md §7's propagation policy for CronCalculationError.
func Plan(def registry.TaskDefinition, rt store.TaskRecord, now time.Time) (Result, error) {
	floored := clock.FloorToMinute(now)
	result := Result{EligibleAt: floored}

	// Rule 1: non-overlap.
	if rt.IsRunning {
		return result, nil
	}

	// Rule 2: a due retry takes precedence over a coincident cron match
	// (spec.md §9, "retry-vs-cron precedence").
	if rt.PendingRetryUntil != nil && !now.Before(*rt.PendingRetryUntil) {
		result.Mode = RetryMode
		return result, nil
	}

	// Rule 3: first-ever consideration never fires retroactively.
	if rt.LastEvaluatedFire == nil {
		if def.Cron.Matches(floored) {
			result.Mode = CronMode
		}
		return result, nil
	}

	// Rule 4: the current minute matches and has not already been
	// credited to this task.
	if def.Cron.Matches(floored) && floored.After(*rt.LastEvaluatedFire) {
		result.Mode = CronMode
		return result, nil
	}

	// Rule 5: single-minute catch-up for exactly one missed fire. A
	// CronCalculationError here (next-fire search exceeded its cap)
	// propagates to the caller, which skips this task for the tick and
	// logs a warning per spec.md §7.
	next, err := def.Cron.NextAfter(*rt.LastEvaluatedFire)
	if err != nil {
		return result, err
	}
	if !next.After(floored) {
		result.Mode = CronMode
		result.EligibleAt = next
		return result, nil
	}

	// Rule 6: not due.
	return result, nil
}
