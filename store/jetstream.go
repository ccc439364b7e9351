package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream is the production Store backed by NATS JetStream KV buckets.
// Record revisions map directly onto KV revisions, so optimistic versioning
// comes from the stream itself rather than from application bookkeeping.
type JetStream struct {
	nc *natsclient.Client

	mu      sync.Mutex
	buckets map[string]Bucket
}

// NewJetStream creates a store over an established NATS client.
func NewJetStream(nc *natsclient.Client) *JetStream {
	return &JetStream{nc: nc, buckets: make(map[string]Bucket)}
}

// Bucket returns the named KV bucket, creating it on first use.
// CreateOrUpdateKeyValue is idempotent and handles race conditions.
func (s *JetStream) Bucket(ctx context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	js, err := s.nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "changeops control-plane entities",
		History:     1,
		TTL:         0,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", name, err)
	}

	b := &jetStreamBucket{kv: kv}
	s.buckets[name] = b
	return b, nil
}

type jetStreamBucket struct {
	kv jetstream.KeyValue
}

// sanitizeKey maps entity keys onto the KV key character set.
// Entity keys already use dots as separators; anything else is escaped.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

func (b *jetStreamBucket) Get(ctx context.Context, key string) (*Record, error) {
	entry, err := b.kv.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &Record{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (b *jetStreamBucket) List(ctx context.Context, prefix, cursor string, limit int) (*Page, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	keys, err := b.kv.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return &Page{}, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}

	sanitizedPrefix := sanitizeKey(prefix)
	matched := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, sanitizedPrefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)

	if offset >= len(matched) {
		return &Page{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := &Page{Records: make([]Record, 0, end-offset)}
	for _, k := range matched[offset:end] {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := b.kv.Get(ctx, k)
		if err != nil {
			continue // key deleted between Keys and Get
		}
		page.Records = append(page.Records, Record{Key: k, Value: entry.Value(), Revision: entry.Revision()})
	}
	if end < len(matched) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

func (b *jetStreamBucket) Put(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	k := sanitizeKey(key)
	if expectedRevision == 0 {
		rev, err := b.kv.Put(ctx, k, value)
		if err != nil {
			return 0, fmt.Errorf("kv put %s: %w", key, err)
		}
		return rev, nil
	}

	rev, err := b.kv.Update(ctx, k, value, expectedRevision)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrConflict
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

func (b *jetStreamBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, sanitizeKey(key), value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

func (b *jetStreamBucket) Delete(ctx context.Context, key string, expectedRevision uint64) error {
	k := sanitizeKey(key)
	opts := []jetstream.KVDeleteOpt{}
	if expectedRevision != 0 {
		opts = append(opts, jetstream.LastRevision(expectedRevision))
	}
	if err := b.kv.Delete(ctx, k, opts...); err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// isRevisionMismatch detects the JetStream optimistic-locking failure.
// The server reports it as a "wrong last sequence" API error.
func isRevisionMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
