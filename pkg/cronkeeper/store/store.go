package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/errs"
)

// Storage is the view a transaction callback operates on. It may call
// GetExistingState, GetCurrentState, and SetState any number of times; the
// store persists whatever SetState last received once the callback
// returns without error.
type Storage interface {
	// GetExistingState returns the state as it was before this
	// transaction began (a snapshot, safe to mutate without affecting the
	// store's cache).
	GetExistingState() *PersistedState

	// GetCurrentState returns the most recent value passed to SetState
	// within this transaction, or GetExistingState's value if SetState has
	// not yet been called.
	GetCurrentState() *PersistedState

	// SetState records newState as this transaction's result. Calling it
	// more than once keeps only the last value.
	SetState(newState *PersistedState)
}

// Store owns the on-disk state file described in spec.md §6. All reads and
// writes go through Transaction, which serializes the whole
// read-modify-write sequence behind a single mutex.
type Store struct {
	path string

	mu     sync.Mutex
	cached *PersistedState // nil until first load
}

// New returns a Store backed by the JSON file at path. The file is not
// touched until the first Transaction call.
func New(path string) *Store {
	return &Store{path: path}
}

// session implements Storage for one Transaction call.
type session struct {
	existing *PersistedState
	current  *PersistedState
	set      bool // whether SetState was called
}

func (s *session) GetExistingState() *PersistedState { return s.existing.Clone() }
func (s *session) GetCurrentState() *PersistedState  { return s.current.Clone() }
func (s *session) SetState(newState *PersistedState) {
	s.current = newState.Clone()
	s.set = true
}

// Transaction atomically loads the current PersistedState (parsing and
// caching the file on first use, or synthesizing a default empty state if
// the file does not yet exist), invokes f against a Storage view of it,
// and — if f called SetState — persists the final value atomically before
// returning. If f returns an error, or never calls SetState, nothing is
// written and the cached state is unchanged.
func (s *Store) Transaction(f func(Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		loaded, err := s.load()
		if err != nil {
			return err
		}
		s.cached = loaded
	}

	sess := &session{
		existing: s.cached.Clone(),
		current:  s.cached.Clone(),
	}

	if err := f(sess); err != nil {
		return err
	}

	if !sess.set {
		return nil
	}

	if err := s.save(sess.current); err != nil {
		return errs.Wrap(errs.StatePersistenceError, "persisting scheduler state", err)
	}

	s.cached = sess.current.Clone()
	return nil
}

// load reads and parses the state file, or synthesizes a default empty
// state ({Version: SchemaVersion, Tasks: nil}) if no file exists yet.
func (s *Store) load() (*PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PersistedState{Version: SchemaVersion, StartTime: time.Now()}, nil
		}
		return nil, errs.Wrap(errs.StatePersistenceError, "reading state file", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errs.Wrap(errs.RuntimeStateFileParseError, "state file is not valid JSON", err)
	}

	if state.Version != SchemaVersion {
		return nil, errs.New(errs.UnsupportedVersion,
			fmt.Sprintf("state file has schema version %d, want %d", state.Version, SchemaVersion))
	}

	if err := validateStructure(&state); err != nil {
		return nil, err
	}

	return &state, nil
}

// validateStructure checks the minimal structural invariants of a loaded
// PersistedState: task names are non-empty and unique. Cross-checking
// against the live RegistrationList (TaskNotInRegistrations) is the
// Facade's job, not the Store's, since the Store has no registry to
// compare against.
func validateStructure(state *PersistedState) error {
	seen := make(map[TaskName]struct{}, len(state.Tasks))
	for _, t := range state.Tasks {
		if t.Name == "" {
			return errs.New(errs.RuntimeStateCorrupted, "task record with empty name")
		}
		if _, dup := seen[t.Name]; dup {
			return errs.New(errs.RuntimeStateCorrupted, fmt.Sprintf("duplicate task name %q in state file", t.Name))
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// save writes state to disk atomically: a sibling temp file is written and
// fsynced, then renamed over the target, so a crash mid-write never leaves
// a half-written file in place of the real one.
func (s *Store) save(state *PersistedState) error {
	sorted := state.Clone()
	sort.Slice(sorted.Tasks, func(i, j int) bool { return sorted.Tasks[i].Name < sorted.Tasks[j].Name })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	return nil
}
