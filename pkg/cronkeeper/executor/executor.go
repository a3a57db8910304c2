// Package executor invokes one task's callback with non-overlap
// protection and records the outcome — and the next retry time, on
// failure — through the state store's transaction model.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/clock"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/errs"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/observability"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/planner"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// Executor runs tasks with non-overlap protection: at most one in-flight
// execution per task name, tracked in an in-memory running set mirroring
// the teacher's runningJobs map (pkg/devclaw/scheduler/scheduler.go).
type Executor struct {
	store    *store.Store
	registry *registry.Registry
	clock    clock.Clock
	observer *observability.Observer

	mu      sync.Mutex
	running map[store.TaskName]struct{}

	// inFlight tracks every dispatched execution's goroutine so Stop can
	// wait for all of them to reach their terminal transaction.
	inFlight *errgroup.Group
}

// New builds an Executor. reg resolves callbacks by name at dispatch time
// — callbacks are never read from persisted state, since they are not
// persistable (spec.md §4.6).
func New(st *store.Store, reg *registry.Registry, clk clock.Clock, obs *observability.Observer) *Executor {
	return &Executor{
		store:    st,
		registry: reg,
		clock:    clk,
		observer: obs,
		running:  make(map[store.TaskName]struct{}),
		inFlight: &errgroup.Group{},
	}
}

// Dispatch runs name's callback in mode if it is not already running.
// Dispatch returns immediately; the execution itself proceeds on a
// separate goroutine tracked by Wait.
func (e *Executor) Dispatch(ctx context.Context, name store.TaskName, mode planner.Mode, eligibleAt time.Time) {
	e.mu.Lock()
	if _, busy := e.running[name]; busy {
		e.mu.Unlock()
		return
	}
	e.running[name] = struct{}{}
	e.mu.Unlock()

	e.inFlight.Go(func() error {
		defer func() {
			e.mu.Lock()
			delete(e.running, name)
			e.mu.Unlock()
		}()
		e.run(ctx, name, mode, eligibleAt)
		return nil
	})
}

// Wait blocks until every dispatched execution has reached its terminal
// transaction. It is used by the Facade's Stop to avoid cancelling
// in-flight callbacks (spec.md §4.8).
func (e *Executor) Wait() {
	_ = e.inFlight.Wait()
}

// IsRunning reports whether name currently has an in-flight execution.
// Exposed for tests; the scheduler itself only needs Dispatch and Wait.
func (e *Executor) IsRunning(name store.TaskName) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[name]
	return ok
}

func (e *Executor) run(ctx context.Context, name store.TaskName, mode planner.Mode, eligibleAt time.Time) {
	def, ok := e.registry.Lookup(name)
	if !ok {
		// The task vanished from the registry between Plan and Dispatch,
		// which cannot happen in the current design (the registry is
		// immutable after initialize) but is guarded against regardless.
		e.observer.Error("dispatch for unregistered task", "taskName", string(name))
		return
	}

	runID := e.observer.NewRunID()
	dispatchedAt := e.clock.Now()
	e.observer.TaskDispatched(name, runID, mode, dispatchedAt)

	if err := e.beginTransaction(name, mode, eligibleAt, dispatchedAt); err != nil {
		e.observer.Error("failed to persist dispatch transaction", "taskName", string(name), "runId", runID, "error", err)
	}

	e.observer.TaskStarted(name, runID, mode, dispatchedAt)

	start := e.clock.Now()
	callErr := def.Callback(ctx)
	endNow := e.clock.Now()
	duration := endNow.Sub(start)

	if commitErr := e.endTransaction(name, def.RetryDelay, callErr, endNow); commitErr != nil {
		e.observer.Error("failed to persist terminal transaction", "taskName", string(name), "runId", runID, "error", commitErr)
	}

	if callErr != nil {
		e.observer.TaskFailed(name, runID, mode, endNow, duration, callErr)
		e.observer.RetryScheduled(name, runID, endNow.Add(def.RetryDelay))
		return
	}
	e.observer.TaskSucceeded(name, runID, mode, endNow, duration)
}

// beginTransaction sets isRunning and lastAttemptTime, and — for cron mode
// — stamps lastEvaluatedFire, all before the callback is invoked
// (spec.md §4.6 step 1, §5 ordering guarantees).
func (e *Executor) beginTransaction(name store.TaskName, mode planner.Mode, eligibleAt, now time.Time) error {
	return e.store.Transaction(func(st store.Storage) error {
		current := st.GetCurrentState()
		rec, ok := current.Find(name)
		if !ok {
			return errs.New(errs.TaskNotInRegistrations, fmt.Sprintf("task %q has no persisted record to dispatch against", name))
		}
		rec.IsRunning = true
		at := now
		rec.LastAttemptTime = &at
		if mode == planner.CronMode {
			fire := eligibleAt
			rec.LastEvaluatedFire = &fire
		}
		current.Upsert(*rec)
		st.SetState(current)
		return nil
	})
}

// endTransaction records the terminal outcome and clears isRunning,
// strictly after the callback completes (spec.md §4.6 steps 2-3).
func (e *Executor) endTransaction(name store.TaskName, retryDelay time.Duration, callErr error, endNow time.Time) error {
	return e.store.Transaction(func(st store.Storage) error {
		current := st.GetCurrentState()
		rec, ok := current.Find(name)
		if !ok {
			return errs.New(errs.TaskNotInRegistrations, fmt.Sprintf("task %q disappeared during execution", name))
		}
		rec.IsRunning = false
		if callErr == nil {
			succ := endNow
			rec.LastSuccessTime = &succ
			rec.LastFailureTime = nil
			rec.PendingRetryUntil = nil
		} else {
			fail := endNow
			rec.LastFailureTime = &fail
			retryAt := endNow.Add(retryDelay)
			rec.PendingRetryUntil = &retryAt
			rec.LastSuccessTime = nil
		}
		current.Upsert(*rec)
		st.SetState(current)
		return nil
	})
}
