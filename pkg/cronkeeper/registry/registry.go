// Package registry validates the host's task registration list at startup
// and holds the parsed, immutable task definitions the rest of the
// scheduler reads from.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/cron"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/errs"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// TaskName is an alias of store.TaskName so callers need only import one
// name-typed package; the two are interchangeable.
type TaskName = store.TaskName

// Callback is the opaque asynchronous operation a task invokes when it
// fires. It returns nil on success or a non-nil error on failure; the
// error's message is reported verbatim to the observer and never
// otherwise inspected by the scheduler.
type Callback func(ctx context.Context) error

// Registration is the 4-tuple the host supplies at startup: a unique name,
// a cron expression's text form, a callback, and a retry delay.
type Registration struct {
	Name       TaskName
	CronText   string
	Callback   Callback
	RetryDelay time.Duration
}

// TaskDefinition is a validated, parsed task: immutable after Build.
type TaskDefinition struct {
	Name       TaskName
	Cron       *cron.Expression
	Callback   Callback
	RetryDelay time.Duration
}

// Registry holds the parsed task definitions in memory, keyed by name. It
// is immutable once Build returns.
type Registry struct {
	defs map[TaskName]TaskDefinition
}

// Warning describes a non-fatal registry observation, currently only the
// minInterval-vs-pollInterval frequency check from spec.md §4.4 rule 5.
type Warning struct {
	Name    TaskName
	Message string
}

// Build validates regs per spec.md §4.4's five rules, in order, and
// returns a Registry of parsed definitions plus any non-fatal warnings.
// pollInterval is the Polling Loop's tick period, used only for rule 5's
// frequency check.
func Build(regs []Registration, pollInterval time.Duration) (*Registry, []Warning, error) {
	defs := make(map[TaskName]TaskDefinition, len(regs))
	var warnings []Warning

	for _, r := range regs {
		if r.Name == "" {
			return nil, nil, errs.New(errs.ScheduleInvalidName, "registration name must be non-empty")
		}
		if r.CronText == "" {
			return nil, nil, errs.New(errs.RegistrationShape, fmt.Sprintf("task %q: cron text must be non-empty", r.Name))
		}
		if r.Callback == nil {
			return nil, nil, errs.New(errs.RegistrationShape, fmt.Sprintf("task %q: callback must be non-nil", r.Name))
		}
		if r.RetryDelay < 0 {
			return nil, nil, errs.New(errs.RegistrationShape, fmt.Sprintf("task %q: retry delay must be non-negative", r.Name))
		}
		if _, dup := defs[r.Name]; dup {
			return nil, nil, errs.New(errs.ScheduleDuplicateTask, fmt.Sprintf("task name %q registered more than once", r.Name))
		}

		expr, err := cron.Parse(r.CronText)
		if err != nil {
			return nil, nil, err
		}

		if expr.MinInterval() < pollInterval {
			warnings = append(warnings, Warning{
				Name: r.Name,
				Message: fmt.Sprintf(
					"task %q's cron expression can fire more often (min interval %s) than the poll interval (%s); it may be missed between polls",
					r.Name, expr.MinInterval(), pollInterval),
			})
		}

		defs[r.Name] = TaskDefinition{
			Name:       r.Name,
			Cron:       expr,
			Callback:   r.Callback,
			RetryDelay: r.RetryDelay,
		}
	}

	return &Registry{defs: defs}, warnings, nil
}

// Lookup returns the parsed definition for name, if registered.
func (r *Registry) Lookup(name TaskName) (TaskDefinition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered task names in no particular order.
func (r *Registry) Names() []TaskName {
	names := make([]TaskName, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// Len reports the number of registered tasks.
func (r *Registry) Len() int { return len(r.defs) }
