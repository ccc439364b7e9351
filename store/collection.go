package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed, tenant-scoped view over one bucket. Entities are
// stored as JSON under tenant-prefixed keys; revisions surface unchanged so
// callers can do optimistic writes.
type Collection[T any] struct {
	bucket Bucket
}

// NewCollection wraps a bucket with typed JSON access.
func NewCollection[T any](bucket Bucket) *Collection[T] {
	return &Collection[T]{bucket: bucket}
}

// Get loads the entity for (tenantID, id). Returns the entity and its
// revision, or ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, tenantID, id string) (*T, uint64, error) {
	rec, err := c.bucket.Get(ctx, TenantKey(tenantID, id))
	if err != nil {
		return nil, 0, err
	}

	var entity T
	if err := json.Unmarshal(rec.Value, &entity); err != nil {
		return nil, 0, fmt.Errorf("unmarshal entity %s: %w", id, err)
	}
	return &entity, rec.Revision, nil
}

// List pages through a tenant's entities in key order.
func (c *Collection[T]) List(ctx context.Context, tenantID, cursor string, limit int) ([]*T, string, error) {
	page, err := c.bucket.List(ctx, TenantPrefix(tenantID), cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]*T, 0, len(page.Records))
	for _, rec := range page.Records {
		var entity T
		if err := json.Unmarshal(rec.Value, &entity); err != nil {
			continue // skip records that fail to decode
		}
		out = append(out, &entity)
	}
	return out, page.NextCursor, nil
}

// ListPrefix pages through entities whose ID starts with idPrefix, in key
// order. Used for per-parent logs where child keys embed the parent ID.
func (c *Collection[T]) ListPrefix(ctx context.Context, tenantID, idPrefix, cursor string, limit int) ([]*T, string, error) {
	page, err := c.bucket.List(ctx, TenantKey(tenantID, idPrefix), cursor, limit)
	if err != nil {
		return nil, "", err
	}

	out := make([]*T, 0, len(page.Records))
	for _, rec := range page.Records {
		var entity T
		if err := json.Unmarshal(rec.Value, &entity); err != nil {
			continue // skip records that fail to decode
		}
		out = append(out, &entity)
	}
	return out, page.NextCursor, nil
}

// Put upserts the entity. expectedRevision 0 writes unconditionally.
func (c *Collection[T]) Put(ctx context.Context, tenantID, id string, entity *T, expectedRevision uint64) (uint64, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return 0, fmt.Errorf("marshal entity %s: %w", id, err)
	}
	return c.bucket.Put(ctx, TenantKey(tenantID, id), data, expectedRevision)
}

// Create writes the entity only if it does not already exist.
func (c *Collection[T]) Create(ctx context.Context, tenantID, id string, entity *T) (uint64, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return 0, fmt.Errorf("marshal entity %s: %w", id, err)
	}
	return c.bucket.Create(ctx, TenantKey(tenantID, id), data)
}

// Delete removes the entity, honoring the expected revision when non-zero.
func (c *Collection[T]) Delete(ctx context.Context, tenantID, id string, expectedRevision uint64) error {
	return c.bucket.Delete(ctx, TenantKey(tenantID, id), expectedRevision)
}
