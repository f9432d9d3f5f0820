package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
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

// fakeGenerator returns canned critique text at a fixed cost.
type fakeGenerator struct {
	text    string
	costUSD float64
	err     error
	calls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &generate.Result{
		Text:         f.text,
		Model:        "fake",
		InputTokens:  100,
		OutputTokens: 100,
		CostUSD:      f.costUSD,
	}, nil
}

func (f *fakeGenerator) Ping(ctx context.Context) error { return f.err }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestProject lays out a minimal project on disk and returns its root.
func newTestProject(t *testing.T, softUSD, hardUSD float64) string {
	t.Helper()
	root := t.TempDir()

	s, err := store.New(root)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	manifest := &draft.Manifest{
		Name:         "test-novel",
		SoftLimitUSD: softUSD,
		HardLimitUSD: hardUSD,
	}
	manifest.SetDefaults()
	if err := draft.SaveManifest(s, manifest); err != nil {
		t.Fatalf("SaveManifest() error = %v", err)
	}

	unit := &draft.Unit{ID: "ch01", Order: 1, Title: "Opening", Text: "The harbor was empty at dawn.\n"}
	if err := draft.SaveUnit(s, unit); err != nil {
		t.Fatalf("SaveUnit() error = %v", err)
	}

	return root
}

func openTestSession(t *testing.T, root string, gen generate.Generator) *Session {
	t.Helper()
	sess, err := Open(root, gen, &Config{
		Model:    "claude-sonnet-4-20250514",
		Snapshot: &snapshot.Config{KeepPlain: 50, KeepCompressed: 20, Logger: quietLogger()},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return sess
}

// TestAccept_HappyPath checks the full accept sequence: the unit is
// rewritten, a snapshot committed, and the reservation settled.
func TestAccept_HappyPath(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, &fakeGenerator{text: "tighter opening", costUSD: 0.02})

	if err := sess.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer sess.Close()

	crit, err := sess.Critique(context.Background(), &CritiqueRequest{UnitID: "ch01"})
	if err != nil {
		t.Fatalf("Critique() error = %v", err)
	}
	if crit.Critique != "tighter opening" {
		t.Errorf("critique text = %q", crit.Critique)
	}
	if sess.Ledger().State().PendingUSD <= 0 {
		t.Error("critique should leave a pending reservation")
	}

	reply, err := sess.Accept(&AcceptRequest{
		UnitID:        "ch01",
		PrevChecksum:  crit.PrevChecksum,
		NewText:       "The harbor was empty.\n",
		ReservationID: crit.ReservationID,
		ActualUSD:     crit.CostUSD,
		Note:          "accept ch01",
	})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	unit, err := sess.Unit("ch01")
	if err != nil {
		t.Fatalf("Unit() error = %v", err)
	}
	if unit.Text != "The harbor was empty.\n" {
		t.Errorf("unit text = %q, want revised text", unit.Text)
	}
	if !checksum.Matches(reply.NewChecksum, unit.Checksum()) {
		t.Error("reply checksum does not match persisted unit")
	}

	snap, err := sess.Snapshots().Load(reply.SnapshotID)
	if err != nil {
		t.Fatalf("snapshot %s not committed: %v", reply.SnapshotID, err)
	}
	if snap.Label != snapshot.LabelAccept {
		t.Errorf("snapshot label = %q, want accept", snap.Label)
	}

	state := sess.Ledger().State()
	if state.SpentUSD != 0.02 {
		t.Errorf("spent = %v, want 0.02", state.SpentUSD)
	}
	if state.PendingUSD != 0 {
		t.Errorf("pending = %v, want 0 after commit", state.PendingUSD)
	}
}

// TestAccept_StaleChecksumConflicts checks that a stale checksum rejects
// with CONFLICT and writes nothing.
func TestAccept_StaleChecksumConflicts(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	stale := checksum.Fingerprint("some other content entirely")
	before, _ := sess.Unit("ch01")

	_, err := sess.Accept(&AcceptRequest{
		UnitID:       "ch01",
		PrevChecksum: stale,
		NewText:      "overwritten\n",
	})
	if err == nil {
		t.Fatal("Accept() with stale checksum succeeded, want CONFLICT")
	}
	f := fault.From(err)
	if f.Code != fault.CodeConflict {
		t.Errorf("fault code = %s, want CONFLICT", f.Code)
	}
	if f.Details["unit_id"] != "ch01" {
		t.Errorf("details missing unit_id: %v", f.Details)
	}

	after, _ := sess.Unit("ch01")
	if after.Text != before.Text {
		t.Error("conflicting accept must not modify the unit")
	}

	snaps, _ := sess.Snapshots().List()
	if len(snaps) != 0 {
		t.Errorf("conflicting accept created %d snapshots, want 0", len(snaps))
	}
}

// TestAccept_ZeroChecksumNeverMatches checks that a missing checksum cannot
// pass the guard on an existing unit.
func TestAccept_ZeroChecksumNeverMatches(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	_, err := sess.Accept(&AcceptRequest{
		UnitID:  "ch01",
		NewText: "overwritten\n",
	})
	if err == nil {
		t.Fatal("Accept() with zero checksum on existing unit succeeded")
	}
	if fault.From(err).Code != fault.CodeConflict {
		t.Errorf("fault code = %s, want CONFLICT", fault.From(err).Code)
	}
}

// TestAccept_CreatesNewUnit checks that a zero checksum creates a unit that
// does not yet exist.
func TestAccept_CreatesNewUnit(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	reply, err := sess.Accept(&AcceptRequest{
		UnitID:  "ch02",
		NewText: "A new scene.\n",
	})
	if err != nil {
		t.Fatalf("Accept() creating new unit error = %v", err)
	}

	unit, err := sess.Unit("ch02")
	if err != nil {
		t.Fatalf("Unit(ch02) error = %v", err)
	}
	if unit.Text != "A new scene.\n" {
		t.Errorf("unit text = %q", unit.Text)
	}
	if reply.SnapshotID == "" {
		t.Error("accept should have committed a snapshot")
	}
}

// TestCritique_BlockedBudget checks that a hard-limit breach blocks the
// critique before any generation call.
func TestCritique_BlockedBudget(t *testing.T) {
	root := newTestProject(t, 0, 0)
	gen := &fakeGenerator{text: "never seen"}
	sess := openTestSession(t, root, gen)

	_, err := sess.Critique(context.Background(), &CritiqueRequest{UnitID: "ch01"})
	if err == nil {
		t.Fatal("Critique() with zero budget succeeded")
	}
	if fault.From(err).Code != fault.CodeBudgetExceeded {
		t.Errorf("fault code = %s, want BUDGET_EXCEEDED", fault.From(err).Code)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times despite blocked budget", gen.calls)
	}
	if !errors.Is(err, fault.ErrBudgetExceeded) {
		t.Error("fault should unwrap to ErrBudgetExceeded")
	}
}

// TestAccept_BlockedBudgetWritesNothing sets the hard limit below an open
// reservation and checks that accept refuses before touching the draft.
func TestAccept_BlockedBudgetWritesNothing(t *testing.T) {
	root := newTestProject(t, 0.01, 0.02)
	sess := openTestSession(t, root, &fakeGenerator{text: "unused"})

	unit, err := sess.Unit("ch01")
	if err != nil {
		t.Fatalf("Unit() error = %v", err)
	}
	before := unit.Text
	resID, err := sess.Ledger().Reserve(0.05)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	_, err = sess.Accept(&AcceptRequest{
		UnitID:        "ch01",
		PrevChecksum:  unit.Checksum(),
		NewText:       "should never land",
		ReservationID: resID,
		ActualUSD:     0.05,
	})
	if err == nil {
		t.Fatal("Accept() over the hard limit succeeded")
	}
	if fault.From(err).Code != fault.CodeBudgetExceeded {
		t.Errorf("fault code = %s, want BUDGET_EXCEEDED", fault.From(err).Code)
	}

	after, err := sess.Unit("ch01")
	if err != nil {
		t.Fatalf("Unit() after blocked accept error = %v", err)
	}
	if after.Text != before {
		t.Error("blocked accept modified the unit")
	}
	snaps, _ := sess.Snapshots().List()
	if len(snaps) != 0 {
		t.Errorf("blocked accept created %d snapshots, want 0", len(snaps))
	}
}

// TestCritique_FailureReleasesReservation checks that a failed generation
// call leaves no pending spend behind.
func TestCritique_FailureReleasesReservation(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	gen := &fakeGenerator{err: fault.New(fault.CodeRateLimit, "throttled")}
	sess := openTestSession(t, root, gen)

	_, err := sess.Critique(context.Background(), &CritiqueRequest{UnitID: "ch01"})
	if err == nil {
		t.Fatal("Critique() succeeded, want rate limit error")
	}
	if fault.From(err).Code != fault.CodeRateLimit {
		t.Errorf("fault code = %s, want RATE_LIMIT", fault.From(err).Code)
	}
	if sess.Ledger().State().PendingUSD != 0 {
		t.Errorf("pending = %v after failed call, want 0", sess.Ledger().State().PendingUSD)
	}
}

// TestDiscardCritique releases the reservation and tolerates a second call.
func TestDiscardCritique(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, &fakeGenerator{text: "meh", costUSD: 0.01})

	crit, err := sess.Critique(context.Background(), &CritiqueRequest{UnitID: "ch01"})
	if err != nil {
		t.Fatalf("Critique() error = %v", err)
	}

	if err := sess.DiscardCritique(crit.ReservationID); err != nil {
		t.Fatalf("DiscardCritique() error = %v", err)
	}
	if sess.Ledger().State().PendingUSD != 0 {
		t.Error("pending should be zero after discard")
	}

	// Discarding again is not an error
	if err := sess.DiscardCritique(crit.ReservationID); err != nil {
		t.Errorf("second DiscardCritique() error = %v", err)
	}
}

// TestPreflight checks estimate classification against the limits.
func TestPreflight(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	reply, err := sess.Preflight(&PreflightRequest{UnitIDs: []string{"ch01"}})
	if err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	if reply.Status != budget.StatusOK {
		t.Errorf("status = %s, want ok for a tiny unit", reply.Status)
	}
	if reply.EstimatedUSD <= 0 {
		t.Errorf("estimated = %v, want > 0", reply.EstimatedUSD)
	}

	if _, err := sess.Preflight(&PreflightRequest{}); err == nil {
		t.Error("Preflight() with no units should fail validation")
	}
	if _, err := sess.Preflight(&PreflightRequest{UnitIDs: []string{"nope"}}); err == nil {
		t.Error("Preflight() with unknown unit should fail validation")
	}
}

// TestRestore_DefaultsToLatest checks restore of the newest snapshot and the
// index rebuild that follows.
func TestRestore_DefaultsToLatest(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	original, _ := sess.Unit("ch01")
	if _, err := sess.Snapshots().Create(snapshot.LabelChapterSave, "before revision"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := sess.Accept(&AcceptRequest{
		UnitID:       "ch01",
		PrevChecksum: original.Checksum(),
		NewText:      "Completely rewritten.\n",
	}); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// Latest snapshot is the accept capture; restoring it is a no-op change,
	// so restore the named earlier snapshot instead
	snaps, _ := sess.Snapshots().List()
	earliest := snaps[len(snaps)-1]

	result, err := sess.Restore(earliest.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if result.RestoredUnits != 1 {
		t.Errorf("restored %d units, want 1", result.RestoredUnits)
	}

	unit, _ := sess.Unit("ch01")
	if unit.Text != original.Text {
		t.Errorf("restored text = %q, want original", unit.Text)
	}

	// Empty id means latest
	if _, err := sess.Restore(""); err != nil {
		t.Errorf("Restore(latest) error = %v", err)
	}
}

// TestRestore_NoSnapshots fails validation instead of erroring internally.
func TestRestore_NoSnapshots(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	_, err := sess.Restore("")
	if err == nil {
		t.Fatal("Restore() with no snapshots succeeded")
	}
	if fault.From(err).Code != fault.CodeValidation {
		t.Errorf("fault code = %s, want VALIDATION", fault.From(err).Code)
	}
}

// TestRecoveryLifecycle checks the dirty-session detection across two
// session opens against the same project.
func TestRecoveryLifecycle(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)

	first := openTestSession(t, root, nil)
	if err := first.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	// Simulate a crash: stop the autosaver without removing the journal
	if first.autosaver != nil {
		_ = first.autosaver.Stop()
	}

	second := openTestSession(t, root, nil)
	status, err := second.Recovery(time.Now())
	if err != nil {
		t.Fatalf("Recovery() error = %v", err)
	}
	if status.State != journal.StatePromptRestore {
		t.Fatalf("state = %s, want prompt_restore after dirty exit", status.State)
	}
	if status.Entry == nil || status.Entry.SessionID == "" {
		t.Error("prompt_restore should carry the surviving entry")
	}

	if err := second.DiscardRecovery(); err != nil {
		t.Fatalf("DiscardRecovery() error = %v", err)
	}
	status, err = second.Recovery(time.Now())
	if err != nil {
		t.Fatalf("Recovery() after discard error = %v", err)
	}
	if status.State != journal.StateClean {
		t.Errorf("state = %s, want clean after discard", status.State)
	}
}

// TestClose_RemovesJournalAndSnapshots checks the clean shutdown sequence.
func TestClose_RemovesJournalAndSnapshots(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	if err := sess.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, journal.Path)); !os.IsNotExist(err) {
		t.Error("journal should be removed on clean shutdown")
	}

	snaps, _ := sess.Snapshots().List()
	found := false
	for _, s := range snaps {
		if s.Label == snapshot.LabelShutdown {
			found = true
		}
	}
	if !found {
		t.Error("clean shutdown should capture a shutdown snapshot")
	}
}

// TestAccept_Validation rejects malformed requests up front.
func TestAccept_Validation(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	cases := []AcceptRequest{
		{NewText: "x"},
		{UnitID: "ch01"},
	}
	for _, req := range cases {
		_, err := sess.Accept(&req)
		if err == nil {
			t.Errorf("Accept(%+v) succeeded, want validation error", req)
			continue
		}
		if fault.From(err).Code != fault.CodeValidation {
			t.Errorf("Accept(%+v) code = %s, want VALIDATION", req, fault.From(err).Code)
		}
	}
}

// TestAccept_UnknownReservation fails closed without recording spend.
func TestAccept_UnknownReservation(t *testing.T) {
	root := newTestProject(t, 5.00, 10.00)
	sess := openTestSession(t, root, nil)

	unit, _ := sess.Unit("ch01")
	_, err := sess.Accept(&AcceptRequest{
		UnitID:        "ch01",
		PrevChecksum:  unit.Checksum(),
		NewText:       "revised\n",
		ReservationID: "no-such-reservation",
		ActualUSD:     1.00,
	})
	if err == nil {
		t.Fatal("Accept() with unknown reservation succeeded")
	}
	if sess.Ledger().State().SpentUSD != 0 {
		t.Error("failed commit must not record spend")
	}
	if !strings.Contains(err.Error(), "reservation") {
		t.Errorf("error %q should mention the reservation", err)
	}
}
