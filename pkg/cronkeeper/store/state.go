// Package store owns the on-disk persisted state file: its shape, atomic
// load/save, and the single transaction entry point every state mutation
// in the scheduler funnels through.
package store

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the only schema version this package understands.
// spec.md §6 explicitly puts v1 migration out of scope for new
// implementations.
const SchemaVersion = 2

// TaskName identifies a task. It is a distinct type rather than a bare
// string so a task name can never be silently accepted where a generic
// string is expected (spec.md §9, "nominal identifiers").
type TaskName string

// TaskRecord is both the on-disk form of one task's history and the
// in-memory view a transaction mutates. IsRunning is never serialized: it
// is the one field spec.md §3 calls out as "never persisted as true" — the
// custom MarshalJSON below omits it and UnmarshalJSON always sets it to
// false, so a TaskRecord read from disk always has IsRunning == false.
//
// The instant fields are *time.Time in memory (the idiomatic Go
// representation) but round-trip through JSON as millisecond epoch
// integers per spec.md §6, not time.Time's default RFC3339 string; see
// MarshalJSON/UnmarshalJSON.
type TaskRecord struct {
	Name              TaskName
	CronExpression    string
	RetryDelayMs      int64
	LastSuccessTime   *time.Time
	LastFailureTime   *time.Time
	LastAttemptTime   *time.Time
	PendingRetryUntil *time.Time
	LastEvaluatedFire *time.Time
	IsRunning         bool
}

// wireTaskRecord is TaskRecord's on-disk shape: instants as
// millisecond-epoch integers (spec.md §6), absent entirely when unset.
type wireTaskRecord struct {
	Name              TaskName `json:"name"`
	CronExpression    string   `json:"cronExpression"`
	RetryDelayMs      int64    `json:"retryDelayMs"`
	LastSuccessTime   *int64   `json:"lastSuccessTime,omitempty"`
	LastFailureTime   *int64   `json:"lastFailureTime,omitempty"`
	LastAttemptTime   *int64   `json:"lastAttemptTime,omitempty"`
	PendingRetryUntil *int64   `json:"pendingRetryUntil,omitempty"`
	LastEvaluatedFire *int64   `json:"lastEvaluatedFire,omitempty"`
}

// MarshalJSON renders rec's instant fields as millisecond epoch integers
// and omits IsRunning, which is never persisted.
func (rec TaskRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTaskRecord{
		Name:              rec.Name,
		CronExpression:    rec.CronExpression,
		RetryDelayMs:      rec.RetryDelayMs,
		LastSuccessTime:   toEpochMs(rec.LastSuccessTime),
		LastFailureTime:   toEpochMs(rec.LastFailureTime),
		LastAttemptTime:   toEpochMs(rec.LastAttemptTime),
		PendingRetryUntil: toEpochMs(rec.PendingRetryUntil),
		LastEvaluatedFire: toEpochMs(rec.LastEvaluatedFire),
	})
}

// UnmarshalJSON parses a wire TaskRecord. IsRunning is always left false:
// it deserializes to "unset" regardless of what (if anything) is on disk.
func (rec *TaskRecord) UnmarshalJSON(data []byte) error {
	var w wireTaskRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec.Name = w.Name
	rec.CronExpression = w.CronExpression
	rec.RetryDelayMs = w.RetryDelayMs
	rec.LastSuccessTime = fromEpochMs(w.LastSuccessTime)
	rec.LastFailureTime = fromEpochMs(w.LastFailureTime)
	rec.LastAttemptTime = fromEpochMs(w.LastAttemptTime)
	rec.PendingRetryUntil = fromEpochMs(w.PendingRetryUntil)
	rec.LastEvaluatedFire = fromEpochMs(w.LastEvaluatedFire)
	rec.IsRunning = false
	return nil
}

func toEpochMs(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromEpochMs(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// Clone returns a deep copy of rec so two transactions (or a transaction
// and the store's cache) never alias the same pointer fields.
func (rec TaskRecord) Clone() TaskRecord {
	clone := rec
	clone.LastSuccessTime = clonePtr(rec.LastSuccessTime)
	clone.LastFailureTime = clonePtr(rec.LastFailureTime)
	clone.LastAttemptTime = clonePtr(rec.LastAttemptTime)
	clone.PendingRetryUntil = clonePtr(rec.PendingRetryUntil)
	clone.LastEvaluatedFire = clonePtr(rec.LastEvaluatedFire)
	return clone
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PersistedState is the root record written to disk: a schema version, the
// start time of the process that wrote it, and the task history records
// keyed by name.
type PersistedState struct {
	Version   int
	StartTime time.Time
	Tasks     []TaskRecord
}

// wirePersistedState is PersistedState's on-disk shape: StartTime as a
// millisecond epoch integer, per spec.md §6.
type wirePersistedState struct {
	Version   int          `json:"version"`
	StartTime int64        `json:"startTime"`
	Tasks     []TaskRecord `json:"tasks"`
}

// MarshalJSON renders s.StartTime as a millisecond epoch integer.
func (s PersistedState) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePersistedState{
		Version:   s.Version,
		StartTime: s.StartTime.UnixMilli(),
		Tasks:     s.Tasks,
	})
}

// UnmarshalJSON parses a wire PersistedState.
func (s *PersistedState) UnmarshalJSON(data []byte) error {
	var w wirePersistedState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Version = w.Version
	s.StartTime = time.UnixMilli(w.StartTime).UTC()
	s.Tasks = w.Tasks
	return nil
}

// Clone returns a deep copy of s.
func (s PersistedState) Clone() *PersistedState {
	tasks := make([]TaskRecord, len(s.Tasks))
	for i, t := range s.Tasks {
		tasks[i] = t.Clone()
	}
	return &PersistedState{Version: s.Version, StartTime: s.StartTime, Tasks: tasks}
}

// Find returns the task record named name, if present.
func (s *PersistedState) Find(name TaskName) (*TaskRecord, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].Name == name {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// Upsert replaces the record named rec.Name, or appends it if absent.
func (s *PersistedState) Upsert(rec TaskRecord) {
	for i := range s.Tasks {
		if s.Tasks[i].Name == rec.Name {
			s.Tasks[i] = rec
			return
		}
	}
	s.Tasks = append(s.Tasks, rec)
}
