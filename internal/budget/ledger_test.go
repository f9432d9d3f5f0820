package budget

import (
	"errors"
	"testing"

	"github.com/vellum-app/vellum/internal/store"
)

func newTestLedger(t *testing.T, limits Limits) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	l, err := Open(s, limits, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return l, s
}

// TestPreflight_Boundaries verifies the inclusive soft/hard classification
// with soft=$5.00 and hard=$10.00.
func TestPreflight_Boundaries(t *testing.T) {
	l, _ := newTestLedger(t, Limits{SoftUSD: 5.00, HardUSD: 10.00})

	tests := []struct {
		name      string
		projected float64
		want      Status
	}{
		{"below soft", 4.99, StatusOK},
		{"exactly soft", 5.00, StatusSoftLimit},
		{"between limits", 5.42, StatusSoftLimit},
		{"exactly hard", 10.00, StatusBlocked},
		{"above hard", 11.38, StatusBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Preflight(tt.projected)
			if got.Status != tt.want {
				t.Errorf("Preflight(%.2f) = %s, want %s", tt.projected, got.Status, tt.want)
			}
		})
	}
}

// TestPreflight_CountsPending verifies reservations are included in the
// projected total so concurrent estimates do not double spend.
func TestPreflight_CountsPending(t *testing.T) {
	l, _ := newTestLedger(t, Limits{SoftUSD: 5.00, HardUSD: 10.00})

	if _, err := l.Reserve(6.00); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	got := l.Preflight(4.00)
	if got.Status != StatusBlocked {
		t.Errorf("Preflight with $6 pending + $4 projected = %s, want blocked", got.Status)
	}
}

// TestCommit_AppendsAndClears verifies the reserve → commit lifecycle.
func TestCommit_AppendsAndClears(t *testing.T) {
	l, s := newTestLedger(t, Limits{SoftUSD: 5.00, HardUSD: 10.00})

	resID, err := l.Reserve(0.50)
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	st, err := l.Commit(resID, 0.42, "accept sc_0001")
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	if st.SpentUSD != 0.42 {
		t.Errorf("SpentUSD = %.4f, want 0.42", st.SpentUSD)
	}
	if st.PendingUSD != 0 {
		t.Errorf("PendingUSD = %.4f, want 0 after commit", st.PendingUSD)
	}
	if !s.Exists(LedgerPath) {
		t.Error("ledger file was not written")
	}
}

// TestCommit_MissingReservation verifies commit fails closed.
func TestCommit_MissingReservation(t *testing.T) {
	l, s := newTestLedger(t, Limits{SoftUSD: 5.00, HardUSD: 10.00})

	_, err := l.Commit("no-such-id", 1.00, "")
	if !errors.Is(err, ErrNoReservation) {
		t.Errorf("Commit() error = %v, want ErrNoReservation", err)
	}

	if l.State().SpentUSD != 0 {
		t.Error("failed commit changed spent_usd")
	}
	if s.Exists(LedgerPath) {
		t.Error("failed commit appended to the ledger")
	}
}

// TestRelease verifies a released reservation stops counting as pending.
func TestRelease(t *testing.T) {
	l, _ := newTestLedger(t, Limits{SoftUSD: 5.00, HardUSD: 10.00})

	resID, err := l.Reserve(3.00)
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if err := l.Release(resID); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	if st := l.State(); st.PendingUSD != 0 {
		t.Errorf("PendingUSD = %.4f after release, want 0", st.PendingUSD)
	}

	if err := l.Release(resID); !errors.Is(err, ErrNoReservation) {
		t.Errorf("second Release() error = %v, want ErrNoReservation", err)
	}
}

// TestReplay verifies spend survives reopening the ledger, and that
// in-flight reservations do not.
func TestReplay(t *testing.T) {
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	limits := Limits{SoftUSD: 5.00, HardUSD: 10.00}

	l, err := Open(s, limits, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	resID, _ := l.Reserve(2.00)
	if _, err := l.Commit(resID, 1.25, "first"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	resID2, _ := l.Reserve(2.00)
	if _, err := l.Commit(resID2, 0.75, "second"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	// A reservation left dangling, as after a crash
	if _, err := l.Reserve(4.00); err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}

	reopened, err := Open(s, limits, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	st := reopened.State()
	if st.SpentUSD != 2.00 {
		t.Errorf("replayed SpentUSD = %.4f, want 2.00", st.SpentUSD)
	}
	if st.PendingUSD != 0 {
		t.Errorf("replayed PendingUSD = %.4f, want 0 (reservations are not durable)", st.PendingUSD)
	}
}

// TestReplay_TornTrailingLine verifies a crash mid-append does not fail the
// open; the torn line is skipped.
func TestReplay_TornTrailingLine(t *testing.T) {
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	limits := Limits{SoftUSD: 5.00, HardUSD: 10.00}

	l, err := Open(s, limits, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	resID, _ := l.Reserve(1.00)
	if _, err := l.Commit(resID, 1.00, ""); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	// Simulate a torn write at the tail of the ledger
	if err := s.Append(LedgerPath, []byte(`{"id":"trunc","amount_`)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	reopened, err := Open(s, limits, nil)
	if err != nil {
		t.Fatalf("reopen with torn line failed: %v", err)
	}
	if st := reopened.State(); st.SpentUSD != 1.00 {
		t.Errorf("SpentUSD = %.4f, want 1.00", st.SpentUSD)
	}
}

// TestLimits_Validate covers the hard >= soft invariant.
func TestLimits_Validate(t *testing.T) {
	if err := (Limits{SoftUSD: 10, HardUSD: 5}).Validate(); err == nil {
		t.Error("Validate() should reject hard < soft")
	}
	if err := (Limits{SoftUSD: 5, HardUSD: 10}).Validate(); err != nil {
		t.Errorf("Validate() failed on valid limits: %v", err)
	}
}
