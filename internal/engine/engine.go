// Package engine composes the persistence layers into the critique/accept
// workflow: optimistic checksum guarding, budget gating, snapshot-on-accept,
// and recovery journal bookkeeping.
//
// A Session owns one open project. Mutating operations serialize on the
// session mutex, so two accepts can never interleave their write/snapshot
// sequences.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vellum-app/vellum/internal/budget"
	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/draft"
	"github.com/vellum-app/vellum/internal/fault"
	"github.com/vellum-app/vellum/internal/generate"
	"github.com/vellum-app/vellum/internal/journal"
	"github.com/vellum-app/vellum/internal/snapshot"
	"github.com/vellum-app/vellum/internal/store"
)

// Config holds session configuration.
type Config struct {
	// Model names the generation model used for estimates and calls.
	Model string

	// Snapshot overrides the snapshot retention policy. Nil means defaults.
	Snapshot *snapshot.Config

	// Autosave overrides autosaver timing. Nil means defaults.
	Autosave *journal.AutosaveConfig

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:  generate.DefaultModel,
		Logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Session is one open project: the composition root over the store, the
// checksum index, the budget ledger, the snapshot manager, and the recovery
// journal.
type Session struct {
	store     *store.Store
	manifest  *draft.Manifest
	index     *draft.Index
	ledger    *budget.Ledger
	snapshots *snapshot.Manager
	journal   *journal.Journal
	autosaver *journal.Autosaver
	gen       generate.Generator
	config    *Config
	logger    *log.Logger

	// mu serializes mutating operations so the write-then-snapshot sequence
	// of one accept can never interleave with another.
	mu sync.Mutex
}

// Open wires a Session over the project rooted at root. The recovery journal
// is not started: call Recovery first to resolve any surviving journal, then
// Begin.
func Open(root string, gen generate.Generator, config *Config) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Model == "" {
		config.Model = generate.DefaultModel
	}

	s, err := store.New(root)
	if err != nil {
		return nil, err
	}

	manifest, err := draft.LoadManifest(s)
	if err != nil {
		return nil, fmt.Errorf("failed to load project manifest: %w", err)
	}
	manifest.SetDefaults()

	index := draft.NewIndex()
	if err := index.Rebuild(s, config.Logger); err != nil {
		return nil, fmt.Errorf("failed to build checksum index: %w", err)
	}

	limits := budget.Limits{SoftUSD: manifest.SoftLimitUSD, HardUSD: manifest.HardLimitUSD}
	ledger, err := budget.Open(s, limits, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open budget ledger: %w", err)
	}

	jrnl := journal.New(s, nil)
	snaps := snapshot.NewManager(s, config.Snapshot, jrnl.LastSnapshotID)

	return &Session{
		store:     s,
		manifest:  manifest,
		index:     index,
		ledger:    ledger,
		snapshots: snaps,
		journal:   jrnl,
		gen:       gen,
		config:    config,
		logger:    config.Logger,
	}, nil
}

// Store exposes the project store for supporting layers (history cache,
// server file serving).
func (s *Session) Store() *store.Store { return s.store }

// Manifest returns the project manifest loaded at open.
func (s *Session) Manifest() *draft.Manifest { return s.manifest }

// Ledger exposes the budget ledger.
func (s *Session) Ledger() *budget.Ledger { return s.ledger }

// Snapshots exposes the snapshot manager.
func (s *Session) Snapshots() *snapshot.Manager { return s.snapshots }

// Recovery inspects any journal surviving from a previous session. Safe to
// call before Begin; the caller decides whether to Restore or Discard when
// the state is prompt_restore.
func (s *Session) Recovery(now time.Time) (journal.Status, error) {
	return s.journal.Inspect(now)
}

// DiscardRecovery drops a surviving journal after the operator declines the
// restore prompt.
func (s *Session) DiscardRecovery() error {
	return s.journal.Discard()
}

// Begin starts the session: the recovery journal is written and the autosaver
// begins refreshing it. Call after Recovery has been resolved. ctx bounds the
// autosaver's goroutines; Close also stops them.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.journal.Begin(s.index.UnitIDs()); err != nil {
		return fmt.Errorf("failed to start journal: %w", err)
	}

	as, err := journal.NewAutosaver(s.journal, s.store, s.config.Autosave)
	if err != nil {
		return fmt.Errorf("failed to create autosaver: %w", err)
	}
	if err := as.Start(ctx); err != nil {
		return fmt.Errorf("failed to start autosaver: %w", err)
	}
	s.autosaver = as

	s.logger.Printf("Session started for project %q (%d units)", s.manifest.Name, s.index.Len())
	return nil
}

// Close shuts the session down cleanly: a shutdown snapshot is captured, the
// autosaver stops, and the journal is removed so the next open finds Clean.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autosaver != nil {
		if err := s.autosaver.Stop(); err != nil {
			s.logger.Printf("Warning: autosaver stop failed: %v", err)
		}
		s.autosaver = nil
	}

	if s.index.Len() > 0 {
		if _, err := s.snapshots.Create(snapshot.LabelShutdown, "clean shutdown"); err != nil {
			s.logger.Printf("Warning: shutdown snapshot failed: %v", err)
		}
	}

	if err := s.journal.Close(); err != nil {
		return err
	}

	s.logger.Printf("Session closed cleanly")
	return nil
}

// PreflightRequest asks for a budget classification of a projected critique
// over the named units.
type PreflightRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

// PreflightReply is the projected cost and its classification.
type PreflightReply struct {
	EstimatedUSD float64       `json:"estimated_usd"`
	Status       budget.Status `json:"status"`
	Message      string        `json:"message,omitempty"`
	Budget       budget.State  `json:"budget"`
	TotalAfter   float64       `json:"total_after_usd"`
}

// Preflight estimates the cost of critiquing the named units and classifies
// it against the budget. Read-only: nothing is reserved.
func (s *Session) Preflight(req *PreflightRequest) (*PreflightReply, error) {
	if len(req.UnitIDs) == 0 {
		return nil, fault.New(fault.CodeValidation, "at least one unit id is required")
	}

	var texts []string
	for _, id := range req.UnitIDs {
		unit, err := draft.LoadUnit(s.store, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fault.Newf(fault.CodeValidation, "unit %s does not exist", id).With("unit_id", id)
			}
			return nil, fault.Wrap(fault.CodeInternal, "failed to load unit", err).With("unit_id", id)
		}
		texts = append(texts, unit.Text)
	}

	estimated := generate.EstimateUSD(s.config.Model, texts)
	result := s.ledger.Preflight(estimated)

	return &PreflightReply{
		EstimatedUSD: estimated,
		Status:       result.Status,
		Message:      result.Message,
		Budget:       s.ledger.State(),
		TotalAfter:   result.TotalAfterUSD,
	}, nil
}

// CritiqueRequest asks the generation backend to critique one unit.
type CritiqueRequest struct {
	UnitID       string `json:"unit_id"`
	Instructions string `json:"instructions,omitempty"`
}

// CritiqueReply carries the critique text plus everything a later Accept
// needs: the checksum the unit had when critiqued and the open budget
// reservation to settle.
type CritiqueReply struct {
	UnitID        string            `json:"unit_id"`
	Critique      string            `json:"critique"`
	PrevChecksum  checksum.Checksum `json:"prev_checksum"`
	ReservationID string            `json:"reservation_id"`
	CostUSD       float64           `json:"cost_usd"`
	Model         string            `json:"model"`
}

// Critique runs a critique call for one unit. The projected cost is gated
// against the hard limit, reserved for the duration of the call, and the
// reservation is left open for Accept to commit (or DiscardCritique to
// release) at the actual cost.
func (s *Session) Critique(ctx context.Context, req *CritiqueRequest) (*CritiqueReply, error) {
	if req.UnitID == "" {
		return nil, fault.New(fault.CodeValidation, "unit id is required")
	}
	if s.gen == nil {
		return nil, fault.New(fault.CodeInternal, "no generation backend configured")
	}

	unit, err := draft.LoadUnit(s.store, req.UnitID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeValidation, "unit %s does not exist", req.UnitID).With("unit_id", req.UnitID)
		}
		return nil, fault.Wrap(fault.CodeInternal, "failed to load unit", err).With("unit_id", req.UnitID)
	}

	estimated := generate.EstimateUSD(s.config.Model, []string{unit.Text})
	pf := s.ledger.Preflight(estimated)
	if pf.Status == budget.StatusBlocked {
		return nil, fault.New(fault.CodeBudgetExceeded, pf.Message).
			With("unit_id", req.UnitID).
			With("estimated_usd", fmt.Sprintf("%.4f", estimated))
	}
	if pf.Status == budget.StatusSoftLimit {
		s.logger.Printf("Soft limit warning for critique of %s: %s", req.UnitID, pf.Message)
	}

	resID, err := s.ledger.Reserve(estimated)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "failed to reserve budget", err)
	}

	prompt := unit.Text
	if req.Instructions != "" {
		prompt = fmt.Sprintf("Instructions: %s\n\n%s", req.Instructions, unit.Text)
	}

	result, err := s.gen.Generate(ctx, &generate.Request{
		Mode:   generate.ModeCritique,
		UnitID: req.UnitID,
		Prompt: prompt,
	})
	if err != nil {
		if rerr := s.ledger.Release(resID); rerr != nil {
			s.logger.Printf("Warning: failed to release reservation %s: %v", resID, rerr)
		}
		return nil, fault.From(err)
	}

	return &CritiqueReply{
		UnitID:        req.UnitID,
		Critique:      result.Text,
		PrevChecksum:  unit.Checksum(),
		ReservationID: resID,
		CostUSD:       result.CostUSD,
		Model:         result.Model,
	}, nil
}

// DiscardCritique releases the budget reservation of a critique the writer
// rejected. Missing reservations (already settled, or lost to a restart) are
// not an error.
func (s *Session) DiscardCritique(reservationID string) error {
	err := s.ledger.Release(reservationID)
	if err != nil && !errors.Is(err, budget.ErrNoReservation) {
		return err
	}
	return nil
}

// AcceptRequest applies revised text to one unit under an optimistic
// checksum guard.
type AcceptRequest struct {
	UnitID string `json:"unit_id"`

	// PrevChecksum is the checksum the caller last observed. The accept is
	// rejected with CONFLICT if the unit's current content hashes differently.
	PrevChecksum checksum.Checksum `json:"prev_checksum"`

	// NewText replaces the unit's body.
	NewText string `json:"new_text"`

	// Label tags the accept snapshot. Defaults to "accept".
	Label string `json:"snapshot_label,omitempty"`

	// ReservationID settles the critique's budget reservation at ActualUSD.
	// Empty when the accept carries no generation cost (manual edit).
	ReservationID string  `json:"reservation_id,omitempty"`
	ActualUSD     float64 `json:"actual_usd,omitempty"`

	// Note annotates the ledger entry.
	Note string `json:"note,omitempty"`
}

// AcceptReply reports the persisted state after a successful accept.
type AcceptReply struct {
	UnitID      string            `json:"unit_id"`
	NewChecksum checksum.Checksum `json:"new_checksum"`
	SnapshotID  string            `json:"snapshot_id"`
	Budget      budget.State      `json:"budget"`
}

// Accept persists revised unit text behind the checksum guard:
//
//  1. the request is validated;
//  2. the unit's current checksum must equal PrevChecksum, else CONFLICT and
//     nothing is written;
//  3. the pending unit is recorded in the recovery journal;
//  4. the new text is written atomically and an accept snapshot captured;
//     these form one logical commit, and a snapshot failure after the write
//     surfaces as INTERNAL for the integrity pass rather than rolling back;
//  5. any open budget reservation is settled at the actual cost;
//  6. the journal pending marker is cleared and the index refreshed.
//
// Retention pruning runs on a background goroutine after the snapshot.
func (s *Session) Accept(req *AcceptRequest) (*AcceptReply, error) {
	if req.UnitID == "" {
		return nil, fault.New(fault.CodeValidation, "unit id is required")
	}
	if req.NewText == "" {
		return nil, fault.New(fault.CodeValidation, "new text is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Guard against stale callers before touching anything
	current, err := draft.LoadUnit(s.store, req.UnitID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Creating a new unit: the caller must present a zero checksum
		if !req.PrevChecksum.IsZero() {
			return nil, fault.Newf(fault.CodeConflict, "unit %s does not exist", req.UnitID).
				With("unit_id", req.UnitID)
		}
		current = &draft.Unit{ID: req.UnitID, Order: s.index.Len()}

	case err != nil:
		return nil, fault.Wrap(fault.CodeInternal, "failed to load unit", err).With("unit_id", req.UnitID)

	default:
		actual := current.Checksum()
		if !checksum.Matches(req.PrevChecksum, actual) {
			return nil, fault.Newf(fault.CodeConflict, "unit %s changed since it was read", req.UnitID).
				With("unit_id", req.UnitID).
				With("expected_checksum", req.PrevChecksum.String()).
				With("actual_checksum", actual.String())
		}
	}

	if req.ReservationID != "" {
		// The reservation is already counted as pending, so project at
		// zero: if spent plus pending crosses the hard cap, the spend
		// must not settle and nothing is written.
		if pf := s.ledger.Preflight(0); pf.Status == budget.StatusBlocked {
			return nil, fault.New(fault.CodeBudgetExceeded, pf.Message).
				With("unit_id", req.UnitID).
				With("total_after_usd", fmt.Sprintf("%.4f", pf.TotalAfterUSD))
		}
	}

	if err := s.journal.SetPending(s.manifest.DraftID, req.UnitID); err != nil {
		s.logger.Printf("Warning: failed to record pending unit %s: %v", req.UnitID, err)
	}

	current.Text = req.NewText
	current.UpdatedAt = time.Now().UTC()
	if err := draft.SaveUnit(s.store, current); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "failed to write unit", err).With("unit_id", req.UnitID)
	}

	label := req.Label
	if label == "" {
		label = snapshot.LabelAccept
	}
	snap, err := s.snapshots.Create(label, fmt.Sprintf("accept %s", req.UnitID))
	if err != nil {
		// The unit write is durable but uncaptured; surface for the
		// integrity pass instead of attempting rollback
		return nil, fault.Wrap(fault.CodeInternal, "accept persisted but snapshot failed", err).
			With("unit_id", req.UnitID)
	}

	if req.ReservationID != "" {
		if _, err := s.ledger.Commit(req.ReservationID, req.ActualUSD, req.Note); err != nil {
			if errors.Is(err, budget.ErrNoReservation) {
				return nil, fault.Wrap(fault.CodeValidation, "unknown budget reservation", err).
					With("reservation_id", req.ReservationID)
			}
			return nil, fault.Wrap(fault.CodeInternal, "failed to commit spend", err)
		}
	}

	if err := s.journal.SetLastSnapshot(snap.ID); err != nil {
		s.logger.Printf("Warning: failed to pin snapshot %s: %v", snap.ID, err)
	}
	if err := s.journal.ClearPending(); err != nil {
		s.logger.Printf("Warning: failed to clear pending marker: %v", err)
	}

	s.index.Put(req.UnitID, current.Checksum(), current.Order)
	if s.autosaver != nil {
		s.autosaver.MarkDirty()
	}

	go func() {
		if err := s.snapshots.Prune(); err != nil {
			s.logger.Printf("Warning: snapshot prune failed: %v", err)
		}
	}()

	s.logger.Printf("Accepted unit %s (snapshot %s)", req.UnitID, snap.ID)

	return &AcceptReply{
		UnitID:      req.UnitID,
		NewChecksum: current.Checksum(),
		SnapshotID:  snap.ID,
		Budget:      s.ledger.State(),
	}, nil
}

// Restore copies a snapshot's archived units back over the working drafts.
// An empty id restores the latest snapshot. The checksum index is rebuilt
// afterwards so subsequent accepts guard against the restored content.
func (s *Session) Restore(id string) (*snapshot.RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		latest, err := s.snapshots.Latest()
		if err != nil {
			if errors.Is(err, snapshot.ErrNotFound) {
				return nil, fault.New(fault.CodeValidation, "no snapshots exist to restore")
			}
			return nil, fault.From(err)
		}
		id = latest.ID
	}

	result, err := s.snapshots.Restore(id)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, fault.Newf(fault.CodeValidation, "snapshot %s does not exist", id).With("snapshot_id", id)
		}
		return nil, fault.From(err)
	}

	if err := s.index.Rebuild(s.store, s.logger); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "restore succeeded but index rebuild failed", err)
	}

	return result, nil
}

// Units returns every current unit, ordered by id.
func (s *Session) Units() ([]*draft.Unit, error) {
	return draft.LoadAllUnits(s.store, s.logger)
}

// Unit returns one current unit.
func (s *Session) Unit(id string) (*draft.Unit, error) {
	unit, err := draft.LoadUnit(s.store, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeValidation, "unit %s does not exist", id).With("unit_id", id)
		}
		return nil, fault.From(err)
	}
	return unit, nil
}
