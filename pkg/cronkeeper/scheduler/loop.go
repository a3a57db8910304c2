package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/clock"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/executor"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/observability"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/planner"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// loop is the Polling Loop of spec.md §4.7: a single ticker-driven
// goroutine, reentrancy-guarded, that snapshots runtime state, asks the
// Planner about every registered task, and dispatches the due ones
// concurrently through the Executor without awaiting their completion.
type loop struct {
	store    *store.Store
	registry *registry.Registry
	exec     *executor.Executor
	clock    clock.Clock
	observer *observability.Observer
	interval time.Duration

	ticking  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func newLoop(st *store.Store, reg *registry.Registry, exec *executor.Executor, clk clock.Clock, obs *observability.Observer, interval time.Duration) *loop {
	return &loop{
		store:    st,
		registry: reg,
		exec:     exec,
		clock:    clk,
		observer: obs,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (l *loop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

func (l *loop) stop() {
	l.cancel()
	<-l.done
}

func (l *loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick implements spec.md §4.7 steps 1-6. ctx is the loop's context and is
// not consulted within the tick; dispatched executions get their own
// context.Background() rather than ctx, so cancelling the loop on Stop
// never propagates into an in-flight callback (spec.md §4.8, "do not
// cancel in-flight executions").
func (l *loop) tick(ctx context.Context) {
	if !l.ticking.CompareAndSwap(false, true) {
		l.observer.Debug("tick already in progress, skipping")
		return
	}
	defer l.ticking.Store(false)

	now := l.clock.Now()

	var snapshot *store.PersistedState
	err := l.store.Transaction(func(s store.Storage) error {
		snapshot = s.GetExistingState()
		return nil
	})
	if err != nil {
		l.observer.Error("failed to snapshot state for poll tick", "error", err)
		return
	}

	dispatched := 0
	skipped := map[observability.SkipReason]int{}

	for _, name := range l.registry.Names() {
		def, ok := l.registry.Lookup(name)
		if !ok {
			continue
		}
		rec, ok := snapshot.Find(name)
		if !ok {
			continue
		}

		result, planErr := planner.Plan(def, *rec, now)
		if planErr != nil {
			l.observer.Warn("skipping task this tick: cron calculation error", "taskName", string(name), "error", planErr)
			continue
		}

		switch result.Mode {
		case planner.None:
			if rec.IsRunning {
				skipped[observability.SkipRunning]++
			} else if rec.PendingRetryUntil != nil && now.Before(*rec.PendingRetryUntil) {
				skipped[observability.SkipRetryFuture]++
			} else {
				skipped[observability.SkipNotDue]++
			}
		default:
			l.exec.Dispatch(context.Background(), name, result.Mode, result.EligibleAt)
			dispatched++
		}
	}

	l.observer.PollSummary(dispatched, skipped)
}
