package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harwick/trendscope/internal/query"
	_ "modernc.org/sqlite"
)

// ensure sqliteStore implements Store
var _ Store = (*sqliteStore)(nil)

type sqliteStore struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	records TEXT NOT NULL,
	fetched_at DATETIME NOT NULL,
	validity_ms INTEGER NOT NULL,
	last_access DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
`

// NewSQLite creates a SQLite-backed Store. maxEntries <= 0 means
// unbounded.
func NewSQLite(dsn string, maxEntries int) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &sqliteStore{db: db, maxEntries: maxEntries, now: time.Now}, nil
}

func (s *sqliteStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT records, fetched_at, validity_ms FROM cache_entries WHERE fingerprint = ?`, fingerprint)

	var recordsJSON string
	var fetchedAt time.Time
	var validityMs int64
	if err := row.Scan(&recordsJSON, &fetchedAt, &validityMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: %w", err)
	}

	entry := &Entry{FetchedAt: fetchedAt, Validity: time.Duration(validityMs) * time.Millisecond}
	if entry.Expired(s.now()) {
		// Lazy expiry: the read that finds a stale entry deletes it.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
		return nil, false, nil
	}

	if err := json.Unmarshal([]byte(recordsJSON), &entry.Records); err != nil {
		return nil, false, fmt.Errorf("cache: %w", err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE fingerprint = ?`, s.now(), fingerprint)

	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, fingerprint string, records []query.Record, validity time.Duration) error {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO cache_entries (fingerprint, records, fetched_at, validity_ms, last_access)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO UPDATE SET
		records = excluded.records,
		fetched_at = excluded.fetched_at,
		validity_ms = excluded.validity_ms,
		last_access = excluded.last_access
	`, fingerprint, string(recordsJSON), now, validity.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	return s.evictOverBound(ctx)
}

// evictOverBound drops least-recently-used entries once the store exceeds
// its size bound.
func (s *sqliteStore) evictOverBound(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if count <= s.maxEntries {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
	DELETE FROM cache_entries WHERE fingerprint IN (
		SELECT fingerprint FROM cache_entries ORDER BY last_access ASC LIMIT ?
	)`, count-s.maxEntries)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func (s *sqliteStore) Invalidate(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
