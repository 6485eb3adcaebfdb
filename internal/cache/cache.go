// Package cache deduplicates repeated queries within a validity window.
// Entries are keyed by query fingerprint; expiry is lazy, checked at read
// time, with LRU eviction only when a store outgrows its configured bound.
package cache

import (
	"context"
	"time"

	"github.com/harwick/trendscope/internal/query"
)

// Entry is one cached result set.
type Entry struct {
	Records   []query.Record
	FetchedAt time.Time
	Validity  time.Duration
}

// Expired reports whether the entry's validity window has passed.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.FetchedAt.Add(e.Validity))
}

// Store is the persistence boundary for cached results. A fingerprint
// maps to at most one live entry; Put replaces. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns the live entry for the fingerprint, or ok=false on miss.
	// An expired entry counts as a miss and is removed.
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)
	// Put stores the records under the fingerprint, replacing any
	// previous entry.
	Put(ctx context.Context, fingerprint string, records []query.Record, validity time.Duration) error
	// Invalidate removes the entry if present.
	Invalidate(ctx context.Context, fingerprint string) error
	Close() error
}
