// Package budget tracks cumulative spend per project and gates costly
// generation calls against soft and hard limits.
//
// Committed spend is an append-only JSONL ledger (history/budget.jsonl)
// replayed at project open, so spent_usd can only grow. Reservations for
// in-flight calls live in memory only: if the process dies, pending amounts
// vanish with it instead of stranding the budget.
package budget

import (
	"bufio"
	"bytes"
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

// LedgerPath is the project-relative ledger file.
const LedgerPath = "history/budget.jsonl"

// centsEpsilon absorbs float accumulation noise well below one cent.
const centsEpsilon = 1e-9

// ErrNoReservation is returned by Commit and Release when the reservation
// id is unknown. Commit fails closed: nothing is appended to the ledger.
var ErrNoReservation = errors.New("no such reservation")

// Status classifies a projected spend against the limits.
type Status string

const (
	// StatusOK means the projected total stays below the soft limit.
	StatusOK Status = "ok"
	// StatusSoftLimit means the projected total meets or exceeds the soft
	// limit but stays below the hard limit. The action is permitted with a
	// warning.
	StatusSoftLimit Status = "soft_limit"
	// StatusBlocked means the projected total meets or exceeds the hard
	// limit. The action must not proceed.
	StatusBlocked Status = "blocked"
)

// Limits holds the project's spend thresholds. Hard must be >= soft.
type Limits struct {
	SoftUSD float64
	HardUSD float64
}

// Validate checks the limit invariant.
func (l Limits) Validate() error {
	if l.SoftUSD < 0 || l.HardUSD < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if l.HardUSD < l.SoftUSD {
		return fmt.Errorf("hard limit %.2f must be >= soft limit %.2f", l.HardUSD, l.SoftUSD)
	}
	return nil
}

// State is a point-in-time view of the project budget.
type State struct {
	SoftLimitUSD float64 `json:"soft_limit_usd"`
	HardLimitUSD float64 `json:"hard_limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	PendingUSD   float64 `json:"pending_usd"`
}

// PreflightResult is the classification of a projected cost.
type PreflightResult struct {
	Status        Status  `json:"status"`
	Message       string  `json:"message"`
	TotalAfterUSD float64 `json:"total_after_usd"`
}

// entry is one committed spend record in the JSONL ledger.
type entry struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	AmountUSD     float64   `json:"amount_usd"`
	Note          string    `json:"note,omitempty"`
	At            time.Time `json:"at"`
}

// Ledger is the budget ledger for one open project.
// All methods are safe for concurrent use.
type Ledger struct {
	store  *store.Store
	logger *log.Logger

	mu      sync.Mutex
	limits  Limits
	spent   float64
	pending map[string]float64
}

// Open replays the project's ledger file and returns a ready Ledger.
// A missing ledger file means zero spend.
func Open(s *store.Store, limits Limits, logger *log.Logger) (*Ledger, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[budget] ", log.LstdFlags)
	}

	l := &Ledger{
		store:   s,
		logger:  logger,
		limits:  limits,
		pending: make(map[string]float64),
	}

	if err := l.replay(); err != nil {
		return nil, err
	}

	return l, nil
}

// replay sums committed entries from the ledger file. A torn trailing line
// (crash mid-append) is skipped with a warning rather than failing the open.
func (l *Ledger) replay() error {
	data, err := l.store.Read(LedgerPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Printf("Warning: skipping unreadable ledger line %d: %v", lineNum, err)
			continue
		}
		if e.AmountUSD < 0 {
			l.logger.Printf("Warning: skipping negative ledger entry %s", e.ID)
			continue
		}

		l.spent += e.AmountUSD
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan ledger: %w", err)
	}

	return nil
}

// State returns the current budget state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Ledger) stateLocked() State {
	var pending float64
	for _, amt := range l.pending {
		pending += amt
	}
	return State{
		SoftLimitUSD: l.limits.SoftUSD,
		HardLimitUSD: l.limits.HardUSD,
		SpentUSD:     l.spent,
		PendingUSD:   pending,
	}
}

// Preflight classifies a projected cost against the limits. Boundaries are
// inclusive: a total that meets a limit gets the stricter classification.
func (l *Ledger) Preflight(projectedUSD float64) PreflightResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked()
	total := st.SpentUSD + st.PendingUSD + projectedUSD

	switch {
	case total >= l.limits.HardUSD-centsEpsilon:
		return PreflightResult{
			Status:        StatusBlocked,
			Message:       fmt.Sprintf("projected total $%.2f meets or exceeds hard limit $%.2f", total, l.limits.HardUSD),
			TotalAfterUSD: total,
		}
	case total >= l.limits.SoftUSD-centsEpsilon:
		return PreflightResult{
			Status:        StatusSoftLimit,
			Message:       fmt.Sprintf("projected total $%.2f meets or exceeds soft limit $%.2f", total, l.limits.SoftUSD),
			TotalAfterUSD: total,
		}
	default:
		return PreflightResult{Status: StatusOK, TotalAfterUSD: total}
	}
}

// Reserve records a pending amount for an in-flight call and returns the
// reservation id. Reservations keep concurrent estimates from double
// counting; the caller must Commit or Release the reservation when the call
// settles.
func (l *Ledger) Reserve(projectedUSD float64) (string, error) {
	if projectedUSD < 0 {
		return "", fmt.Errorf("projected cost must not be negative (got %.4f)", projectedUSD)
	}

	id := uuid.NewString()

	l.mu.Lock()
	l.pending[id] = projectedUSD
	l.mu.Unlock()

	return id, nil
}

// Commit settles a reservation at its actual cost: the amount is appended
// to the ledger file and the reservation cleared. Fails closed if the
// reservation is unknown: nothing is appended and spent is unchanged.
func (l *Ledger) Commit(reservationID string, actualUSD float64, note string) (State, error) {
	if actualUSD < 0 {
		return State{}, fmt.Errorf("actual cost must not be negative (got %.4f)", actualUSD)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[reservationID]; !ok {
		return State{}, fmt.Errorf("commit of reservation %s: %w", reservationID, ErrNoReservation)
	}

	e := entry{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		AmountUSD:     actualUSD,
		Note:          note,
		At:            time.Now().UTC(),
	}

	line, err := json.Marshal(e)
	if err != nil {
		return State{}, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	if err := l.store.Append(LedgerPath, append(line, '\n')); err != nil {
		return State{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	// The write is durable; only now mutate in-memory state
	l.spent += actualUSD
	delete(l.pending, reservationID)

	l.logger.Printf("Committed $%.4f (reservation %s): spent now $%.4f", actualUSD, reservationID, l.spent)

	return l.stateLocked(), nil
}

// Release drops a reservation without recording spend. Used when the outer
// call is cancelled, fails, or times out.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[reservationID]; !ok {
		return fmt.Errorf("release of reservation %s: %w", reservationID, ErrNoReservation)
	}

	delete(l.pending, reservationID)
	return nil
}

// Entries returns all committed ledger entries in file order. Used by the
// history cache sync.
func (l *Ledger) Entries() ([]Entry, error) {
	data, err := l.store.Read(LedgerPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var out []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return out, nil
}

// Entry is the exported view of a committed ledger record.
type Entry struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	AmountUSD     float64   `json:"amount_usd"`
	Note          string    `json:"note,omitempty"`
	At            time.Time `json:"at"`
}
