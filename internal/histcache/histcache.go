// Package histcache provides an embedded SQLite query cache over project
// history.
//
// The files under history/ remain the source of truth: snapshot manifests
// and the budget ledger are re-synced into the cache, and the cache can be
// deleted and rebuilt at any time. It exists so history views (snapshot
// timelines, spend summaries, per-unit change counts) do not re-read and
// re-parse every manifest on every query.
//
// The database runs in embedded mode with WAL for concurrent reads:
//   - Database file: history/cache.db
//   - Schema: snapshots, snapshot_units, spend tables
//   - Rebuilt by FullSync after any history mutation
package histcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vellum-app/vellum/internal/budget"
	"github.com/vellum-app/vellum/internal/snapshot"
)

// CachePath is the project-relative cache database file.
const CachePath = "history/cache.db"

// DB wraps the embedded SQLite connection holding the history cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at the given path. The schema is
// initialized if absent. The caller must Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history cache: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history cache: %w", err)
	}

	db.conn = nil
	return nil
}

// initSchema creates the cache tables. Idempotent.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		unit_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshot_units (
		snapshot_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		checksum TEXT NOT NULL,
		PRIMARY KEY (snapshot_id, unit_id),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS spend (
		id TEXT PRIMARY KEY,
		reservation_id TEXT,
		amount_usd REAL NOT NULL,
		note TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_label ON snapshots(label);
	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	CREATE INDEX IF NOT EXISTS idx_snapshot_units_unit ON snapshot_units(unit_id);
	CREATE INDEX IF NOT EXISTS idx_spend_at ON spend(at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// FullSync rebuilds the cache from the authoritative history files. The
// whole rebuild runs in one transaction so readers never see a half-synced
// cache.
func (db *DB) FullSync(ctx context.Context, snaps []*snapshot.Snapshot, entries []budget.Entry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"snapshot_units", "snapshots", "spend"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, snap := range snaps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, label, reason, created_at, unit_count) VALUES (?, ?, ?, ?, ?)`,
			snap.ID, snap.Label, snap.Reason, snap.CreatedAt.Format(time.RFC3339Nano), len(snap.Units))
		if err != nil {
			return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
		}

		for _, unit := range snap.Units {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO snapshot_units (snapshot_id, unit_id, checksum) VALUES (?, ?, ?)`,
				snap.ID, unit.UnitID, unit.Checksum.String())
			if err != nil {
				return fmt.Errorf("failed to insert snapshot unit %s/%s: %w", snap.ID, unit.UnitID, err)
			}
		}
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO spend (id, reservation_id, amount_usd, note, at) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.ReservationID, e.AmountUSD, e.Note, e.At.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert spend entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync: %w", err)
	}
	return nil
}

// SnapshotRow is the cached view of one snapshot.
type SnapshotRow struct {
	ID        string    `json:"snapshot_id"`
	Label     string    `json:"label"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UnitCount int       `json:"unit_count"`
}

// ListSnapshots returns cached snapshots, newest first, optionally filtered
// by label. limit 0 means no limit.
func (db *DB) ListSnapshots(ctx context.Context, label string, limit int) ([]SnapshotRow, error) {
	query := `SELECT id, label, reason, created_at, unit_count FROM snapshots`
	var args []interface{}

	if label != "" {
		query += ` WHERE label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Label, &r.Reason, &createdAt, &r.UnitCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// UnitHistory returns the snapshots that captured distinct versions of one
// unit, newest first. Consecutive snapshots with the same checksum collapse
// into the most recent capture of that version.
func (db *DB) UnitHistory(ctx context.Context, unitID string) ([]SnapshotRow, error) {
	query := `
	SELECT s.id, s.label, s.reason, s.created_at, s.unit_count
	FROM snapshots s
	JOIN snapshot_units u ON u.snapshot_id = s.id
	WHERE u.unit_id = ?
	  AND s.id IN (
		SELECT MAX(s2.id)
		FROM snapshots s2
		JOIN snapshot_units u2 ON u2.snapshot_id = s2.id
		WHERE u2.unit_id = ?
		GROUP BY u2.checksum
	  )
	ORDER BY s.id DESC
	`

	rows, err := db.conn.QueryContext(ctx, query, unitID, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit history: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Label, &r.Reason, &createdAt, &r.UnitCount); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit history: %w", err)
	}
	return out, nil
}

// SpendSummary aggregates committed spend.
type SpendSummary struct {
	TotalUSD   float64    `json:"total_usd"`
	EntryCount int        `json:"entry_count"`
	FirstAt    *time.Time `json:"first_at,omitempty"`
	LastAt     *time.Time `json:"last_at,omitempty"`
}

// Spend returns the aggregate spend picture from the cache.
func (db *DB) Spend(ctx context.Context) (*SpendSummary, error) {
	var summary SpendSummary
	var first, last sql.NullString

	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0), COUNT(*), MIN(at), MAX(at) FROM spend`,
	).Scan(&summary.TotalUSD, &summary.EntryCount, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend summary: %w", err)
	}

	summary.FirstAt = nullTime(first)
	summary.LastAt = nullTime(last)
	return &summary, nil
}

// SnapshotCount returns the number of cached snapshots.
func (db *DB) SnapshotCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
