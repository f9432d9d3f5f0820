// Package snapshot creates and restores immutable, checksummed point-in-time
// captures of a project's draft units.
//
// Each snapshot is a directory under history/snapshots/ named
// {timestamp}_{label}, holding a manifest.json plus an archived copy of every
// unit file. The manifest is written last: until it exists the snapshot is
// not committed, so a crash mid-create can never leave a half snapshot that
// restore would trust.
//
// Restore is best-effort: each archived unit is re-hashed against the
// manifest, and a unit whose archive no longer verifies (bit rot, external
// corruption) is skipped with a warning while the rest restore normally.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/draft"
	"github.com/vellum-app/vellum/internal/store"
)

// SnapshotsDir is the project-relative snapshot root.
const SnapshotsDir = "history/snapshots"

// Default retention policy: the newest 50 snapshots stay uncompressed, the
// next 20 are compressed, anything older is pruned.
const (
	DefaultKeepPlain      = 50
	DefaultKeepCompressed = 20
)

// Well-known snapshot labels.
const (
	LabelAccept      = "accept"
	LabelChapterSave = "chapter_save"
	LabelExport      = "export"
	LabelShutdown    = "shutdown"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("snapshot not found")

var labelPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// idTimeFormat orders lexically the same as chronologically, so snapshot
// ids sort by creation time.
const idTimeFormat = "20060102T150405.000000000"

// UnitStatus classifies one unit during verify or restore.
type UnitStatus string

const (
	// UnitOK means the archived content matches its manifest checksum.
	UnitOK UnitStatus = "ok"
	// UnitMismatch means the archived content no longer hashes to the
	// manifest value.
	UnitMismatch UnitStatus = "mismatch"
	// UnitMissing means the archived file is absent.
	UnitMissing UnitStatus = "missing"
)

// ManifestEntry records one unit's checksum at capture time.
type ManifestEntry struct {
	UnitID   string            `json:"unit_id"`
	Checksum checksum.Checksum `json:"checksum"`
}

// Snapshot is the descriptor persisted as manifest.json. Immutable once
// written.
type Snapshot struct {
	ID              string            `json:"snapshot_id"`
	Label           string            `json:"label"`
	Reason          string            `json:"reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Units           []ManifestEntry   `json:"units"`
	OutlineChecksum checksum.Checksum `json:"outline_checksum,omitempty"`
}

// UnitResult is the per-unit outcome of a verify or restore pass.
type UnitResult struct {
	UnitID  string     `json:"unit_id"`
	Status  UnitStatus `json:"status"`
	Warning string     `json:"warning,omitempty"`
}

// RestoreResult summarizes a best-effort restore.
type RestoreResult struct {
	SnapshotID    string       `json:"snapshot_id"`
	RestoredUnits int          `json:"restored_unit_count"`
	Units         []UnitResult `json:"units"`
}

// Config holds manager configuration.
type Config struct {
	// KeepPlain is how many newest snapshots stay uncompressed.
	KeepPlain int

	// KeepCompressed is how many snapshots after the plain window are kept
	// compressed before pruning.
	KeepCompressed int

	// Logger for snapshot activity.
	Logger *log.Logger
}

// DefaultConfig returns the documented retention policy.
func DefaultConfig() *Config {
	return &Config{
		KeepPlain:      DefaultKeepPlain,
		KeepCompressed: DefaultKeepCompressed,
		Logger:         log.New(os.Stderr, "[snapshot] ", log.LstdFlags),
	}
}

// Manager creates, verifies, restores, and prunes snapshots.
type Manager struct {
	store  *store.Store
	config *Config

	// pinned returns the snapshot id referenced by a live recovery journal,
	// which pruning must never remove. May return "".
	pinned func() string

	mu sync.Mutex // serializes create ids and pruning
}

// NewManager creates a snapshot manager. pinned may be nil when no recovery
// journal is attached.
func NewManager(s *store.Store, config *Config, pinned func() string) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	if config.KeepPlain <= 0 {
		config.KeepPlain = DefaultKeepPlain
	}
	if config.KeepCompressed < 0 {
		config.KeepCompressed = DefaultKeepCompressed
	}

	return &Manager{store: s, config: config, pinned: pinned}
}

// Create captures every current unit plus the outline reference into a new
// immutable snapshot and returns its descriptor.
//
// Unit archives are written first and the manifest last; on any write
// failure no manifest is committed and the snapshot does not exist.
func (m *Manager) Create(label, reason string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	label = sanitizeLabel(label)
	if label == "" {
		label = LabelAccept
	}

	units, err := draft.LoadAllUnits(m.store, m.config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load units: %w", err)
	}

	outlineSum, err := draft.OutlineChecksum(m.store)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum outline: %w", err)
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("%s_%s", now.Format(idTimeFormat), label)
	dir := path.Join(SnapshotsDir, id)

	snap := &Snapshot{
		ID:              id,
		Label:           label,
		Reason:          reason,
		CreatedAt:       now,
		OutlineChecksum: outlineSum,
	}

	// Archive each unit file before the manifest exists
	for _, unit := range units {
		data, err := m.store.Read(unit.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to read unit %s: %w", unit.ID, err)
		}

		archivePath := path.Join(dir, "units", unit.ID+".md")
		if err := m.store.WriteAtomic(archivePath, data); err != nil {
			return nil, fmt.Errorf("failed to archive unit %s: %w", unit.ID, err)
		}

		snap.Units = append(snap.Units, ManifestEntry{
			UnitID:   unit.ID,
			Checksum: checksum.Fingerprint(string(data)),
		})
	}

	sort.Slice(snap.Units, func(i, j int) bool {
		return snap.Units[i].UnitID < snap.Units[j].UnitID
	})

	// Manifest last: its presence is the commit point
	manifest, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := m.store.WriteAtomic(path.Join(dir, "manifest.json"), manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	m.config.Logger.Printf("Created snapshot %s (%d units)", id, len(snap.Units))
	return snap, nil
}

// Load reads one snapshot's manifest.
func (m *Manager) Load(id string) (*Snapshot, error) {
	data, err := m.store.Read(path.Join(SnapshotsDir, id, "manifest.json"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}

	return &snap, nil
}

// List returns all committed snapshots, newest first. Directories without a
// manifest (interrupted creates) are ignored.
func (m *Manager) List() ([]*Snapshot, error) {
	dirs, err := m.store.ListDirs(SnapshotsDir)
	if err != nil {
		return nil, err
	}

	var snaps []*Snapshot
	for _, dir := range dirs {
		snap, err := m.Load(dir)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			m.config.Logger.Printf("Warning: skipping unreadable snapshot %s: %v", dir, err)
			continue
		}
		snaps = append(snaps, snap)
	}

	// Ids are timestamp-prefixed, so lexical order is chronological
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].ID > snaps[j].ID
	})

	return snaps, nil
}

// Latest returns the newest committed snapshot, or ErrNotFound.
func (m *Manager) Latest() (*Snapshot, error) {
	snaps, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

// Verify re-hashes every archived unit of a snapshot against its manifest.
// Read-only; supports a pre-restore integrity check.
func (m *Manager) Verify(id string) ([]UnitResult, error) {
	snap, err := m.Load(id)
	if err != nil {
		return nil, err
	}

	results := make([]UnitResult, 0, len(snap.Units))
	for _, entry := range snap.Units {
		_, status := m.readArchivedUnit(id, entry)
		results = append(results, UnitResult{UnitID: entry.UnitID, Status: status})
	}

	return results, nil
}

// Restore copies archived unit content back into the working draft
// location. Units whose archives fail verification are skipped with a
// warning; the rest restore normally. Running the same restore twice yields
// byte-identical drafts.
func (m *Manager) Restore(id string) (*RestoreResult, error) {
	snap, err := m.Load(id)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{SnapshotID: id}
	for _, entry := range snap.Units {
		data, status := m.readArchivedUnit(id, entry)

		switch status {
		case UnitOK:
			if err := m.store.WriteAtomic(draft.UnitPath(entry.UnitID), data); err != nil {
				return nil, fmt.Errorf("failed to restore unit %s: %w", entry.UnitID, err)
			}
			result.RestoredUnits++
			result.Units = append(result.Units, UnitResult{UnitID: entry.UnitID, Status: UnitOK})

		case UnitMismatch:
			m.config.Logger.Printf("Warning: archived unit %s in %s failed verification, skipping", entry.UnitID, id)
			result.Units = append(result.Units, UnitResult{
				UnitID:  entry.UnitID,
				Status:  UnitMismatch,
				Warning: "archived content does not match manifest checksum",
			})

		case UnitMissing:
			m.config.Logger.Printf("Warning: archived unit %s in %s is missing, skipping", entry.UnitID, id)
			result.Units = append(result.Units, UnitResult{
				UnitID:  entry.UnitID,
				Status:  UnitMissing,
				Warning: "archived content is missing",
			})
		}
	}

	m.config.Logger.Printf("Restored %d/%d units from %s", result.RestoredUnits, len(snap.Units), id)
	return result, nil
}

// readArchivedUnit loads a unit archive (plain or compressed) and classifies
// it against the manifest entry.
func (m *Manager) readArchivedUnit(id string, entry ManifestEntry) ([]byte, UnitStatus) {
	plainPath := path.Join(SnapshotsDir, id, "units", entry.UnitID+".md")

	data, err := m.store.Read(plainPath)
	if errors.Is(err, store.ErrNotFound) {
		data, err = m.readCompressed(plainPath + ".gz")
	}
	if err != nil {
		return nil, UnitMissing
	}

	if !checksum.Matches(entry.Checksum, checksum.Fingerprint(string(data))) {
		return nil, UnitMismatch
	}

	return data, UnitOK
}

// readCompressed reads and decompresses a gzip archive member.
func (m *Manager) readCompressed(rel string) ([]byte, error) {
	raw, err := m.store.Read(rel)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip archive %s: %w", rel, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", rel, err)
	}

	return data, nil
}

// Prune applies the retention policy: the newest KeepPlain snapshots stay
// uncompressed, the next KeepCompressed are compressed in place, and older
// snapshots are removed. The snapshot pinned by a live recovery journal is
// never removed.
//
// Prune is safe to run opportunistically after Create; callers that must
// not block should run it on a goroutine.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps, err := m.List()
	if err != nil {
		return err
	}

	var pinnedID string
	if m.pinned != nil {
		pinnedID = m.pinned()
	}

	for i, snap := range snaps {
		switch {
		case i < m.config.KeepPlain:
			// Newest window: leave untouched

		case i < m.config.KeepPlain+m.config.KeepCompressed:
			if err := m.compressSnapshot(snap.ID); err != nil {
				m.config.Logger.Printf("Warning: failed to compress snapshot %s: %v", snap.ID, err)
			}

		default:
			if snap.ID == pinnedID {
				m.config.Logger.Printf("Keeping journal-referenced snapshot %s past retention", snap.ID)
				continue
			}
			if err := m.store.RemoveDir(path.Join(SnapshotsDir, snap.ID)); err != nil {
				m.config.Logger.Printf("Warning: failed to prune snapshot %s: %v", snap.ID, err)
				continue
			}
			m.config.Logger.Printf("Pruned snapshot %s", snap.ID)
		}
	}

	return nil
}

// compressSnapshot gzips each plain unit archive in a snapshot directory.
// Already-compressed snapshots are left alone. The manifest stays plain so
// List and Verify keep working.
func (m *Manager) compressSnapshot(id string) error {
	unitsDir := path.Join(SnapshotsDir, id, "units")

	names, err := m.store.List(unitsDir, ".md")
	if err != nil {
		return err
	}

	for _, name := range names {
		plainRel := path.Join(unitsDir, name)
		data, err := m.store.Read(plainRel)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to compress %s: %w", plainRel, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish compressing %s: %w", plainRel, err)
		}

		if err := m.store.WriteAtomic(plainRel+".gz", buf.Bytes()); err != nil {
			return err
		}
		if err := m.store.Remove(plainRel); err != nil {
			return err
		}
	}

	if len(names) > 0 {
		m.config.Logger.Printf("Compressed snapshot %s (%d units)", id, len(names))
	}
	return nil
}

// sanitizeLabel lowercases a label and strips everything outside
// [a-z0-9_-] so labels are always safe directory name components.
func sanitizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, " ", "_")
	return labelPattern.ReplaceAllString(label, "")
}
