// Package errs defines the error taxonomy shared across cronkeeper's
// components. Every failure the scheduler raises is one of the kinds below,
// wrapped in an *Error so callers can distinguish fatal startup failures
// (errors.As) from the per-call runtime failures the polling loop merely
// logs and continues past.
package errs

import "fmt"

// Kind identifies a logical failure category. Kinds are not Go types; they
// are values so that a single *Error can carry structured detail (see
// Mismatch) alongside the kind.
type Kind string

const (
	InvalidCronExpression      Kind = "InvalidCronExpression"
	ScheduleDuplicateTask      Kind = "ScheduleDuplicateTask"
	ScheduleInvalidName        Kind = "ScheduleInvalidName"
	RegistrationShape          Kind = "RegistrationShape"
	CronCalculationError       Kind = "CronCalculationError"
	TaskListMismatch           Kind = "TaskListMismatch"
	RuntimeStateCorrupted      Kind = "RuntimeStateCorrupted"
	RuntimeStateFileParseError Kind = "RuntimeStateFileParseError"
	UnsupportedVersion         Kind = "UnsupportedVersion"
	TaskNotInRegistrations     Kind = "TaskNotInRegistrations"
	StatePersistenceError      Kind = "StatePersistenceError"
	TaskExecutionError         Kind = "TaskExecutionError"
)

// Error is the concrete error type raised by cronkeeper. Kind lets callers
// branch on the failure category via errors.As without parsing Message.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, if any

	// Mismatch is populated only when Kind == TaskListMismatch.
	Mismatch *Mismatch
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.TaskListMismatch, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New builds a bare *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a causing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// FieldDiff describes one field-level disagreement between a registration
// and its persisted counterpart, e.g. a changed cron expression.
type FieldDiff struct {
	Name     string
	Field    string
	Expected string
	Actual   string
}

// Mismatch is the structured payload of a TaskListMismatch error: the
// consistency check's exhaustive explanation of the delta between the
// registration list and the persisted identity set.
type Mismatch struct {
	Missing   []string // persisted names with no matching registration
	Extra     []string // registration names with no matching persisted record
	Differing []FieldDiff
}

// NewMismatch builds a TaskListMismatch *Error from a computed Mismatch.
func NewMismatch(m Mismatch) *Error {
	return &Error{
		Kind:     TaskListMismatch,
		Message:  "registration list does not match persisted task identities",
		Mismatch: &m,
	}
}
