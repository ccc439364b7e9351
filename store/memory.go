package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and the CLI dry-run paths.
// Semantics mirror the JetStream implementation, including revisions.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memoryBucket)}
}

// Bucket returns the named bucket, creating it on first use.
func (m *Memory) Bucket(_ context.Context, name string) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{entries: make(map[string]Record)}
		m.buckets[name] = b
	}
	return b, nil
}

type memoryBucket struct {
	mu      sync.RWMutex
	entries map[string]Record
	nextRev uint64
}

func (b *memoryBucket) Get(_ context.Context, key string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	out.Value = append([]byte(nil), rec.Value...)
	return &out, nil
}

func (b *memoryBucket) List(_ context.Context, prefix, cursor string, limit int) (*Page, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if offset >= len(keys) {
		return &Page{}, nil
	}

	end := offset + limit
	if end > len(keys) {
		end = len(keys)
	}

	page := &Page{Records: make([]Record, 0, end-offset)}
	for _, k := range keys[offset:end] {
		rec := b.entries[k]
		rec.Value = append([]byte(nil), rec.Value...)
		page.Records = append(page.Records, rec)
	}
	if end < len(keys) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.entries[key]
	if expectedRevision != 0 {
		if !exists {
			return 0, ErrNotFound
		}
		if current.Revision != expectedRevision {
			return 0, ErrConflict
		}
	}

	b.nextRev++
	b.entries[key] = Record{Key: key, Value: append([]byte(nil), value...), Revision: b.nextRev}
	return b.nextRev, nil
}

func (b *memoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; exists {
		return 0, ErrConflict
	}

	b.nextRev++
	b.entries[key] = Record{Key: key, Value: append([]byte(nil), value...), Revision: b.nextRev}
	return b.nextRev, nil
}

func (b *memoryBucket) Delete(_ context.Context, key string, expectedRevision uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.entries[key]
	if !exists {
		return ErrNotFound
	}
	if expectedRevision != 0 && current.Revision != expectedRevision {
		return ErrConflict
	}
	delete(b.entries, key)
	return nil
}
