// Package observability wraps structured event emission for the
// scheduler. It mirrors the teacher's own logging idiom — log/slog with a
// selectable text or JSON handler (cmd/devclaw/commands/serve.go) — and
// generates run identifiers with google/uuid, the same call the teacher
// makes in pkg/devclaw/copilot/exec_approval.go and
// pkg/devclaw/media/store.go.
package observability

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/planner"
	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/store"
)

// SkipReason explains why a due-but-not-dispatched task was skipped in a
// polling tick summary (spec.md §4.7 step 6).
type SkipReason string

const (
	SkipRunning     SkipReason = "running"
	SkipRetryFuture SkipReason = "retry-future"
	SkipNotDue      SkipReason = "not-due"
)

// Observer emits the structured events named in spec.md §4.9 through a
// *slog.Logger. A nil Observer is not valid; use New with slog.Default()
// if the host supplies no logger.
type Observer struct {
	logger *slog.Logger
}

// New wraps logger. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{logger: logger}
}

// NewRunID generates an opaque, unique identifier for one execution.
func (o *Observer) NewRunID() string { return uuid.New().String() }

func (o *Observer) TaskDispatched(name store.TaskName, runID string, mode planner.Mode, at time.Time) {
	o.logger.Info("task_dispatched",
		"taskName", string(name), "runId", runID, "mode", string(mode), "timestamp", at.UnixMilli())
}

func (o *Observer) TaskStarted(name store.TaskName, runID string, mode planner.Mode, at time.Time) {
	o.logger.Info("task_started",
		"taskName", string(name), "runId", runID, "mode", string(mode), "timestamp", at.UnixMilli())
}

func (o *Observer) TaskSucceeded(name store.TaskName, runID string, mode planner.Mode, at time.Time, duration time.Duration) {
	o.logger.Info("task_succeeded",
		"taskName", string(name), "runId", runID, "mode", string(mode),
		"timestamp", at.UnixMilli(), "durationMs", duration.Milliseconds())
}

func (o *Observer) TaskFailed(name store.TaskName, runID string, mode planner.Mode, at time.Time, duration time.Duration, cause error) {
	o.logger.Error("task_failed",
		"taskName", string(name), "runId", runID, "mode", string(mode),
		"timestamp", at.UnixMilli(), "durationMs", duration.Milliseconds(), "errorMessage", cause.Error())
}

func (o *Observer) RetryScheduled(name store.TaskName, runID string, retryAt time.Time) {
	o.logger.Info("retry_scheduled",
		"taskName", string(name), "runId", runID, "timestamp", retryAt.UnixMilli())
}

func (o *Observer) StartupValidated(taskNames []store.TaskName) {
	names := make([]string, len(taskNames))
	for i, n := range taskNames {
		names[i] = string(n)
	}
	o.logger.Info("startup_validated", "taskNames", names, "count", len(names))
}

// PollSummary emits the per-tick dispatched-vs-skipped counts from
// spec.md §4.7 step 6.
func (o *Observer) PollSummary(dispatched int, skipped map[SkipReason]int) {
	o.logger.Info("poll_summary",
		"dispatched", dispatched,
		"skippedRunning", skipped[SkipRunning],
		"skippedRetryFuture", skipped[SkipRetryFuture],
		"skippedNotDue", skipped[SkipNotDue],
	)
}

func (o *Observer) Warn(msg string, args ...any) { o.logger.Warn(msg, args...) }
func (o *Observer) Error(msg string, args ...any) { o.logger.Error(msg, args...) }
func (o *Observer) Info(msg string, args ...any)  { o.logger.Info(msg, args...) }
func (o *Observer) Debug(msg string, args ...any) { o.logger.Debug(msg, args...) }
