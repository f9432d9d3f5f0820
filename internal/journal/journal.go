// Package journal tracks live-session state so an unclean shutdown can be
// detected and recovered at the next startup.
//
// The journal is a single marker file, history/_journal.lock. Its lifecycle
// is the crash signal: written at session start, refreshed by autosave,
// deleted on clean shutdown. A journal that survives past process exit means
// the process died dirty. At startup a fresh journal (younger than the
// staleness threshold) produces a restore prompt; a stale or structurally
// invalid one is discarded silently.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-app/vellum/internal/store"
)

// Path is the project-relative journal marker.
const Path = "history/_journal.lock"

// StalenessThreshold is the maximum journal age that still triggers a
// restore prompt at startup. Anything older is treated as leftover debris.
const StalenessThreshold = 2 * time.Minute

// State names the journal's position in its lifecycle.
type State string

const (
	// StateClean means no journal is present.
	StateClean State = "clean"
	// StateDirty means the journal is written and autosave is refreshing it.
	StateDirty State = "dirty"
	// StatePromptRestore means startup found a fresh journal from a dead
	// session and the operator must choose whether to restore.
	StatePromptRestore State = "prompt_restore"
)

// Entry is the journal marker's contents.
type Entry struct {
	SessionID      string    `json:"session_id"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	LastAutosaveAt time.Time `json:"last_autosave_at"`
	OpenUnitIDs    []string  `json:"open_unit_ids,omitempty"`
	PendingUnitID  string    `json:"pending_unit_id,omitempty"`
	PendingDraftID string    `json:"pending_draft_id,omitempty"`
	LastSnapshotID string    `json:"last_snapshot_id,omitempty"`
}

// Validate checks structural validity of a journal read from disk.
func (e *Entry) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.LastAutosaveAt.IsZero() {
		return fmt.Errorf("last_autosave_at is required")
	}
	return nil
}

// Age returns how long ago the journal was last refreshed.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastAutosaveAt)
}

// Status is the inspection result.
type Status struct {
	State State
	// Entry is the journal contents when State is StateDirty or
	// StatePromptRestore.
	Entry *Entry
}

// Journal manages the marker file for one open project. Exactly one journal
// exists per open project at a time.
type Journal struct {
	store  *store.Store
	logger *log.Logger

	mu        sync.Mutex
	entry     *Entry
	sessionID string
}

// New creates a Journal for a project. The session is not started until
// Begin; call Inspect first to resolve any surviving journal.
func New(s *store.Store, logger *log.Logger) *Journal {
	if logger == nil {
		logger = log.New(os.Stderr, "[journal] ", log.LstdFlags)
	}
	return &Journal{
		store:     s,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Inspect examines the journal on disk and resolves the recovery state
// machine:
//
//   - no journal                → Clean
//   - this session's journal    → Dirty (the live session refreshing it)
//   - fresh journal (< 2 min)   → PromptRestore (journal left in place until
//     the operator chooses)
//   - stale or invalid journal  → discarded, Clean
func (j *Journal) Inspect(now time.Time) (Status, error) {
	data, err := j.store.Read(Path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{State: StateClean}, nil
		}
		return Status{}, fmt.Errorf("failed to read journal: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		j.logger.Printf("Discarding structurally invalid journal: %v", err)
		if err := j.store.Remove(Path); err != nil {
			return Status{}, err
		}
		return Status{State: StateClean}, nil
	}
	if err := entry.Validate(); err != nil {
		j.logger.Printf("Discarding invalid journal: %v", err)
		if err := j.store.Remove(Path); err != nil {
			return Status{}, err
		}
		return Status{State: StateClean}, nil
	}

	if entry.SessionID == j.sessionID {
		// Our own live journal, not a crash artifact
		return Status{State: StateDirty, Entry: &entry}, nil
	}

	if entry.Age(now) >= StalenessThreshold {
		j.logger.Printf("Discarding stale journal (age %v, session %s)", entry.Age(now).Round(time.Second), entry.SessionID)
		if err := j.store.Remove(Path); err != nil {
			return Status{}, err
		}
		return Status{State: StateClean}, nil
	}

	j.logger.Printf("Unclean shutdown detected (journal age %v, session %s)", entry.Age(now).Round(time.Second), entry.SessionID)
	return Status{State: StatePromptRestore, Entry: &entry}, nil
}

// Discard removes a surviving journal after the operator declines the
// restore prompt.
func (j *Journal) Discard() error {
	return j.store.Remove(Path)
}

// Begin starts this session's journal: the project transitions to Dirty.
func (j *Journal) Begin(openUnitIDs []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()
	j.entry = &Entry{
		SessionID:      j.sessionID,
		PID:            os.Getpid(),
		StartedAt:      now,
		LastAutosaveAt: now,
		OpenUnitIDs:    openUnitIDs,
	}

	return j.writeLocked()
}

// Touch refreshes last_autosave_at. Called by the autosaver and after every
// mutating operation.
func (j *Journal) Touch() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.entry == nil {
		return fmt.Errorf("journal session not started")
	}

	j.entry.LastAutosaveAt = time.Now().UTC()
	return j.writeLocked()
}

// SetPending records a unit with an in-flight accept so recovery can point
// at it after a crash.
func (j *Journal) SetPending(draftID, unitID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.entry == nil {
		return fmt.Errorf("journal session not started")
	}

	j.entry.PendingDraftID = draftID
	j.entry.PendingUnitID = unitID
	j.entry.LastAutosaveAt = time.Now().UTC()
	return j.writeLocked()
}

// ClearPending drops the pending unit after an accept completes.
func (j *Journal) ClearPending() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.entry == nil {
		return fmt.Errorf("journal session not started")
	}

	j.entry.PendingDraftID = ""
	j.entry.PendingUnitID = ""
	j.entry.LastAutosaveAt = time.Now().UTC()
	return j.writeLocked()
}

// SetLastSnapshot records the most recent snapshot id. Retention pruning
// never removes this snapshot while the journal lives.
func (j *Journal) SetLastSnapshot(snapshotID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.entry == nil {
		return fmt.Errorf("journal session not started")
	}

	j.entry.LastSnapshotID = snapshotID
	j.entry.LastAutosaveAt = time.Now().UTC()
	return j.writeLocked()
}

// LastSnapshotID returns the snapshot id pinned by this session, or "".
func (j *Journal) LastSnapshotID() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.entry == nil {
		return ""
	}
	return j.entry.LastSnapshotID
}

// Close deletes the journal: a clean shutdown returns the project to Clean.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entry = nil
	if err := j.store.Remove(Path); err != nil {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// writeLocked persists the entry. Must be called with mu held.
func (j *Journal) writeLocked() error {
	data, err := json.MarshalIndent(j.entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}
	if err := j.store.WriteAtomic(Path, data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}
