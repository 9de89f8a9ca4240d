// Package sqlite persists the library snapshot to a single SQLite table as
// JSON bucket payloads, rewritten atomically inside one SQL transaction
// after every save.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"mezocore/internal/library/persistence"
	"mezocore/pkg/domain"
)

var _ persistence.Store = (*Store)(nil)

const (
	bucketSamples = "samples"
	bucketMasks   = "masks"
)

var sqliteBuckets = []string{bucketSamples, bucketMasks}

// Store is a snapshotting SQLite-backed persistence driver.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "mezocore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Load implements persistence.Store. Undecodable bucket payloads surface as
// *domain.CorruptStateError.
func (s *Store) Load(ctx context.Context) (persistence.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return persistence.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap persistence.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return persistence.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		switch bucket {
		case bucketSamples:
			if err := json.Unmarshal(payload, &snap.Samples); err != nil {
				return persistence.Snapshot{}, &domain.CorruptStateError{Key: bucket, Reason: "undecodable samples payload", Cause: err}
			}
		case bucketMasks:
			if err := json.Unmarshal(payload, &snap.Masks); err != nil {
				return persistence.Snapshot{}, &domain.CorruptStateError{Key: bucket, Reason: "undecodable masks payload", Cause: err}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return persistence.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snap, nil
}

// Save implements persistence.Store. All buckets are upserted inside one
// SQL transaction, so a crash mid-save leaves the previous state intact.
func (s *Store) Save(ctx context.Context, snap persistence.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case bucketSamples:
			data, err = json.Marshal(snap.Samples)
		case bucketMasks:
			data, err = json.Marshal(snap.Masks)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err := tx.Commit(); err != nil {
		retErr = fmt.Errorf("commit: %w", err)
		return retErr
	}
	return nil
}

// Close implements persistence.Store.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
