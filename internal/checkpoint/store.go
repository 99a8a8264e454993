// Package checkpoint persists which content has been fully transferred.
//
// The store is the only component that owns CheckpointEntry and ScanCursor
// state. It is backed by an embedded sqlite database so it survives process
// restarts without external services, and every per-path write is a single
// atomic upsert so concurrent consumer workers cannot corrupt it.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	path           TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	size           INTEGER NOT NULL DEFAULT 0,
	mtime_ns       INTEGER NOT NULL DEFAULT 0,
	object_key     TEXT NOT NULL,
	transferred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_fingerprint ON checkpoints(fingerprint);

CREATE TABLE IF NOT EXISTS scan_cursor (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	position       TEXT NOT NULL DEFAULT '',
	last_full_scan INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO scan_cursor (id, position, last_full_scan) VALUES (1, '', 0);
`

// Store is the durable checkpoint database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=FULL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the checkpoint entry for a path, if one exists.
func (s *Store) Lookup(ctx context.Context, path string) (model.CheckpointEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, fingerprint, size, mtime_ns, object_key, transferred_at
FROM checkpoints WHERE path = ?`, path)
	return scanEntry(row)
}

// LookupFingerprint returns any checkpoint entry recorded for the given
// content fingerprint, regardless of path. Used for cross-path dedup: if the
// content is already stored, a new path can be checkpointed without another
// upload.
func (s *Store) LookupFingerprint(ctx context.Context, fingerprint string) (model.CheckpointEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, fingerprint, size, mtime_ns, object_key, transferred_at
FROM checkpoints WHERE fingerprint = ? LIMIT 1`, fingerprint)
	return scanEntry(row)
}

// Put upserts the entry for its path. The write is idempotent for identical
// fingerprints, so two workers racing on the same path simply converge.
func (s *Store) Put(ctx context.Context, e model.CheckpointEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (path, fingerprint, size, mtime_ns, object_key, transferred_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	fingerprint    = excluded.fingerprint,
	size           = excluded.size,
	mtime_ns       = excluded.mtime_ns,
	object_key     = excluded.object_key,
	transferred_at = excluded.transferred_at`,
		e.Path, e.Fingerprint, e.Size, e.ModTime.UnixNano(), e.ObjectKey, e.TransferredAt.UnixNano(),
	)
	metrics.RecordCheckpointWrite(err == nil)
	if err != nil {
		return fmt.Errorf("checkpoint put %s: %w", e.Path, err)
	}
	return nil
}

// Count returns the number of checkpointed paths.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("checkpoint count: %w", err)
	}
	return n, nil
}

// CountDistinctFingerprints returns the number of distinct content identities
// that have been transferred.
func (s *Store) CountDistinctFingerprints(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT fingerprint) FROM checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("checkpoint fingerprint count: %w", err)
	}
	return n, nil
}

// Cursor returns the persisted scan cursor.
func (s *Store) Cursor(ctx context.Context) (model.ScanCursor, error) {
	var cur model.ScanCursor
	var lastFull int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position, last_full_scan FROM scan_cursor WHERE id = 1`,
	).Scan(&cur.Position, &lastFull)
	if err != nil {
		return model.ScanCursor{}, fmt.Errorf("load scan cursor: %w", err)
	}
	if lastFull > 0 {
		cur.LastFullScan = time.Unix(0, lastFull)
	}
	return cur, nil
}

// SaveCursor persists the scan cursor.
func (s *Store) SaveCursor(ctx context.Context, cur model.ScanCursor) error {
	var lastFull int64
	if !cur.LastFullScan.IsZero() {
		lastFull = cur.LastFullScan.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE scan_cursor SET position = ?, last_full_scan = ? WHERE id = 1`,
		cur.Position, lastFull,
	)
	if err != nil {
		return fmt.Errorf("save scan cursor: %w", err)
	}
	return nil
}

func scanEntry(row *sql.Row) (model.CheckpointEntry, bool, error) {
	var e model.CheckpointEntry
	var mtimeNS, transferredNS int64
	err := row.Scan(&e.Path, &e.Fingerprint, &e.Size, &mtimeNS, &e.ObjectKey, &transferredNS)
	if err == sql.ErrNoRows {
		return model.CheckpointEntry{}, false, nil
	}
	if err != nil {
		return model.CheckpointEntry{}, false, fmt.Errorf("checkpoint lookup: %w", err)
	}
	e.ModTime = time.Unix(0, mtimeNS)
	e.TransferredAt = time.Unix(0, transferredNS)
	return e, true, nil
}
