// Package scheduler exposes the two entrypoints the rest of the system is
// built to support: Initialize (parse, consistency-check, and start) and
// Stop. It owns the Registry and the State Store directly; the Executor
// borrows both, and the polling loop borrows the Executor — a layered
// owner graph with no back-pointers (spec.md §9, "cycle-free ownership"),
// unlike the teacher's Scheduler/Loop/Executor/StateStore closures in
// pkg/devclaw/scheduler/scheduler.go.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/clock"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/errs"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/executor"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/observability"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/registry"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// DefaultPollInterval is used when Initialize is called with a zero
// PollInterval.
const DefaultPollInterval = time.Minute

// Scheduler is the facade described in spec.md §4.8. Its zero value is not
// valid; build one with New.
type Scheduler struct {
	store    *store.Store
	clock    clock.Clock
	observer *observability.Observer

	mu       sync.Mutex
	running  bool
	registry *registry.Registry
	exec     *executor.Executor
	loop     *loop
}

// New builds a Scheduler backed by the state file at statePath. clk and
// obs may be nil; New substitutes the system clock and an Observer over
// slog.Default.
func New(statePath string, clk clock.Clock, obs *observability.Observer) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if obs == nil {
		obs = observability.New(nil)
	}
	return &Scheduler{
		store:    store.New(statePath),
		clock:    clk,
		observer: obs,
	}
}

// Initialize parses regs, reconciles them against persisted state, and
// starts the polling loop at pollInterval (DefaultPollInterval if zero).
// Calling Initialize again with an identical registration list while the
// loop is already running is a no-op; calling it with a different list
// while running fails with errs.TaskListMismatch, checked against the
// in-memory registry rather than the file (spec.md §4.8).
func (s *Scheduler) Initialize(regs []registry.Registration, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, warnings, err := registry.Build(regs, pollInterval)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		s.observer.Warn("task cron can fire faster than the poll interval", "taskName", string(w.Name), "detail", w.Message)
	}

	if s.running {
		if err := checkSameRegistrations(s.registry, reg); err != nil {
			return err
		}
		return nil
	}

	if err := s.reconcile(reg); err != nil {
		return err
	}

	s.registry = reg
	s.exec = executor.New(s.store, reg, s.clock, s.observer)
	s.loop = newLoop(s.store, reg, s.exec, s.clock, s.observer, pollInterval)
	s.loop.start()
	s.running = true
	return nil
}

// Stop halts the polling loop and waits for every in-flight execution to
// reach its terminal transaction before returning (spec.md §4.8).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.loop.stop()
	s.exec.Wait()
	s.running = false
	s.observer.Info("scheduler stopped")
}

// reconcile implements the first-time vs. consistency-check branch of
// spec.md §4.8 step 3/4.
func (s *Scheduler) reconcile(reg *registry.Registry) error {
	return s.store.Transaction(func(st store.Storage) error {
		existing := st.GetExistingState()

		if len(existing.Tasks) == 0 {
			seeded := &store.PersistedState{
				Version:   store.SchemaVersion,
				StartTime: s.clock.Now(),
			}
			for _, name := range sortedNames(reg) {
				def, _ := reg.Lookup(name)
				seeded.Upsert(store.TaskRecord{
					Name:           name,
					CronExpression: def.Cron.String(),
					RetryDelayMs:   def.RetryDelay.Milliseconds(),
				})
			}
			st.SetState(seeded)
			s.observer.StartupValidated(sortedNames(reg))
			return nil
		}

		if err := checkConsistency(reg, existing); err != nil {
			return err
		}

		// Any persisted record not caught by checkConsistency already has
		// a matching registration; IsRunning is forced false by
		// TaskRecord.UnmarshalJSON on load, satisfying spec.md §3's restart
		// invariant for free.
		st.SetState(existing)
		s.observer.StartupValidated(sortedNames(reg))
		return nil
	})
}

// checkConsistency implements spec.md §4.8 step 4: the identity tuple is
// (name, cronText, retryDelayMs).
func checkConsistency(reg *registry.Registry, existing *store.PersistedState) error {
	regNames := make(map[store.TaskName]struct{}, reg.Len())
	for _, n := range reg.Names() {
		regNames[n] = struct{}{}
	}

	persistedNames := make(map[store.TaskName]struct{}, len(existing.Tasks))
	for _, t := range existing.Tasks {
		persistedNames[t.Name] = struct{}{}
	}

	var missing, extra []string
	var differing []errs.FieldDiff

	for _, t := range existing.Tasks {
		if _, ok := regNames[t.Name]; !ok {
			missing = append(missing, string(t.Name))
		}
	}
	for name := range regNames {
		if _, ok := persistedNames[name]; !ok {
			extra = append(extra, string(name))
		}
	}
	for _, t := range existing.Tasks {
		def, ok := reg.Lookup(t.Name)
		if !ok {
			continue
		}
		if def.Cron.String() != t.CronExpression {
			differing = append(differing, errs.FieldDiff{
				Name: string(t.Name), Field: "cronExpression",
				Expected: t.CronExpression, Actual: def.Cron.String(),
			})
		}
		if def.RetryDelay.Milliseconds() != t.RetryDelayMs {
			differing = append(differing, errs.FieldDiff{
				Name: string(t.Name), Field: "retryDelayMs",
				Expected: fmt.Sprintf("%d", t.RetryDelayMs),
				Actual:   fmt.Sprintf("%d", def.RetryDelay.Milliseconds()),
			})
		}
	}

	if len(missing) == 0 && len(extra) == 0 && len(differing) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	return errs.NewMismatch(errs.Mismatch{Missing: missing, Extra: extra, Differing: differing})
}

// checkSameRegistrations is the in-memory re-initialize check of spec.md
// §4.8: "a call while running with a different list raises
// TaskListMismatch (checked against in-memory definitions, not the file)".
func checkSameRegistrations(old, next *registry.Registry) error {
	oldNames := old.Names()
	nextNames := next.Names()

	oldSet := make(map[store.TaskName]registry.TaskDefinition, len(oldNames))
	for _, n := range oldNames {
		def, _ := old.Lookup(n)
		oldSet[n] = def
	}
	nextSet := make(map[store.TaskName]registry.TaskDefinition, len(nextNames))
	for _, n := range nextNames {
		def, _ := next.Lookup(n)
		nextSet[n] = def
	}

	var missing, extra []string
	var differing []errs.FieldDiff

	for n := range oldSet {
		if _, ok := nextSet[n]; !ok {
			missing = append(missing, string(n))
		}
	}
	for n, def := range nextSet {
		prev, ok := oldSet[n]
		if !ok {
			extra = append(extra, string(n))
			continue
		}
		if prev.Cron.String() != def.Cron.String() {
			differing = append(differing, errs.FieldDiff{
				Name: string(n), Field: "cronExpression", Expected: prev.Cron.String(), Actual: def.Cron.String(),
			})
		}
		if prev.RetryDelay != def.RetryDelay {
			differing = append(differing, errs.FieldDiff{
				Name: string(n), Field: "retryDelayMs",
				Expected: fmt.Sprintf("%d", prev.RetryDelay.Milliseconds()),
				Actual:   fmt.Sprintf("%d", def.RetryDelay.Milliseconds()),
			})
		}
	}

	if len(missing) == 0 && len(extra) == 0 && len(differing) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return errs.NewMismatch(errs.Mismatch{Missing: missing, Extra: extra, Differing: differing})
}

func sortedNames(reg *registry.Registry) []store.TaskName {
	names := reg.Names()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
