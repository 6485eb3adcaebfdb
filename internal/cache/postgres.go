package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harwick/trendscope/internal/query"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresStore implements Store
var _ Store = (*postgresStore)(nil)

type postgresStore struct {
	pool       *pgxpool.Pool
	maxEntries int
	now        func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	records JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	validity_ms BIGINT NOT NULL,
	last_access TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
`

// NewPostgres creates a Postgres-backed Store for shared deployments.
// maxEntries <= 0 means unbounded.
func NewPostgres(ctx context.Context, dsn string, maxEntries int) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	return &postgresStore{pool: pool, maxEntries: maxEntries, now: time.Now}, nil
}

func (s *postgresStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	var recordsJSON []byte
	var fetchedAt time.Time
	var validityMs int64

	err := s.pool.QueryRow(ctx,
		`SELECT records, fetched_at, validity_ms FROM cache_entries WHERE fingerprint = $1`, fingerprint).
		Scan(&recordsJSON, &fetchedAt, &validityMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: %w", err)
	}

	entry := &Entry{FetchedAt: fetchedAt, Validity: time.Duration(validityMs) * time.Millisecond}
	if entry.Expired(s.now()) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fingerprint = $1`, fingerprint)
		return nil, false, nil
	}

	if err := json.Unmarshal(recordsJSON, &entry.Records); err != nil {
		return nil, false, fmt.Errorf("cache: %w", err)
	}

	_, _ = s.pool.Exec(ctx,
		`UPDATE cache_entries SET last_access = $1 WHERE fingerprint = $2`, s.now(), fingerprint)

	return entry, true, nil
}

func (s *postgresStore) Put(ctx context.Context, fingerprint string, records []query.Record, validity time.Duration) error {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	now := s.now()
	_, err = s.pool.Exec(ctx, `
	INSERT INTO cache_entries (fingerprint, records, fetched_at, validity_ms, last_access)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (fingerprint) DO UPDATE SET
		records = EXCLUDED.records,
		fetched_at = EXCLUDED.fetched_at,
		validity_ms = EXCLUDED.validity_ms,
		last_access = EXCLUDED.last_access
	`, fingerprint, recordsJSON, now, validity.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	return s.evictOverBound(ctx)
}

func (s *postgresStore) evictOverBound(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if count <= s.maxEntries {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
	DELETE FROM cache_entries WHERE fingerprint IN (
		SELECT fingerprint FROM cache_entries ORDER BY last_access ASC LIMIT $1
	)`, count-s.maxEntries)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func (s *postgresStore) Invalidate(ctx context.Context, fingerprint string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fingerprint = $1`, fingerprint); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
