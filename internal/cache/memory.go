package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/harwick/trendscope/internal/query"
)

// ensure memoryStore implements Store
var _ Store = (*memoryStore)(nil)

type memoryEntry struct {
	fingerprint string
	entry       Entry
}

// memoryStore is an in-process Store with a bounded LRU.
type memoryStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	byKey      map[string]*list.Element
	now        func() time.Time
}

// NewMemory creates an in-memory store. maxEntries <= 0 means unbounded.
func NewMemory(maxEntries int) Store {
	return &memoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		byKey:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (m *memoryStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.byKey[fingerprint]
	if !ok {
		return nil, false, nil
	}

	me := elem.Value.(*memoryEntry)
	if me.entry.Expired(m.now()) {
		m.order.Remove(elem)
		delete(m.byKey, fingerprint)
		return nil, false, nil
	}

	m.order.MoveToFront(elem)

	// Copy out so callers cannot mutate the cached slice.
	records := make([]query.Record, len(me.entry.Records))
	copy(records, me.entry.Records)
	return &Entry{
		Records:   records,
		FetchedAt: me.entry.FetchedAt,
		Validity:  me.entry.Validity,
	}, true, nil
}

func (m *memoryStore) Put(ctx context.Context, fingerprint string, records []query.Record, validity time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]query.Record, len(records))
	copy(stored, records)

	entry := Entry{Records: stored, FetchedAt: m.now(), Validity: validity}

	if elem, ok := m.byKey[fingerprint]; ok {
		elem.Value.(*memoryEntry).entry = entry
		m.order.MoveToFront(elem)
		return nil
	}

	m.byKey[fingerprint] = m.order.PushFront(&memoryEntry{fingerprint: fingerprint, entry: entry})

	if m.maxEntries > 0 {
		for m.order.Len() > m.maxEntries {
			oldest := m.order.Back()
			m.order.Remove(oldest)
			delete(m.byKey, oldest.Value.(*memoryEntry).fingerprint)
		}
	}
	return nil
}

func (m *memoryStore) Invalidate(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.byKey[fingerprint]; ok {
		m.order.Remove(elem)
		delete(m.byKey, fingerprint)
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }
