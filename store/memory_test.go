package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBucketCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rev1, err := b.Put(ctx, "a", []byte("one"), 0)
	require.NoError(t, err)
	assert.NotZero(t, rev1)

	rec, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), rec.Value)
	assert.Equal(t, rev1, rec.Revision)

	// Conditional put with matching revision succeeds and bumps.
	rev2, err := b.Put(ctx, "a", []byte("two"), rev1)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	// Stale revision loses.
	_, err = b.Put(ctx, "a", []byte("three"), rev1)
	assert.ErrorIs(t, err, ErrConflict)

	// Conditional put on a missing key is NotFound, not Conflict.
	_, err = b.Put(ctx, "missing", []byte("x"), 7)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Delete(ctx, "a", rev2))
	_, err = b.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBucketCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)

	_, err = b.Create(ctx, "k", []byte("v"))
	require.NoError(t, err)

	// Second create on the same key conflicts.
	_, err = b.Create(ctx, "k", []byte("other"))
	assert.ErrorIs(t, err, ErrConflict)

	rec, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), rec.Value)
}

func TestMemoryBucketListPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Put(ctx, fmt.Sprintf("p.%02d", i), []byte("v"), 0)
		require.NoError(t, err)
	}
	_, err = b.Put(ctx, "other.key", []byte("v"), 0)
	require.NoError(t, err)

	page1, err := b.List(ctx, "p.", "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Records, 2)
	assert.Equal(t, "p.00", page1.Records[0].Key)
	assert.NotEmpty(t, page1.NextCursor)

	page2, err := b.List(ctx, "p.", page1.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Records, 2)
	assert.Equal(t, "p.02", page2.Records[0].Key)

	page3, err := b.List(ctx, "p.", page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Records, 1)
	assert.Empty(t, page3.NextCursor)

	_, err = b.List(ctx, "p.", "garbage", 2)
	assert.Error(t, err)
}

func TestMemoryBucketValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)

	val := []byte("original")
	_, err = b.Put(ctx, "k", val, 0)
	require.NoError(t, err)
	val[0] = 'X'

	rec, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), rec.Value)

	// Mutating the returned value must not change stored state.
	rec.Value[0] = 'Y'
	again, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.Value)
}

func TestTenantKeys(t *testing.T) {
	assert.Equal(t, "t.acme.d1", TenantKey("acme", "d1"))
	assert.Equal(t, "t.acme.", TenantPrefix("acme"))
}

type widget struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestCollectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)
	c := NewCollection[widget](b)

	_, err = c.Create(ctx, "acme", "w1", &widget{ID: "w1", Count: 3})
	require.NoError(t, err)

	got, rev, err := c.Get(ctx, "acme", "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Count)
	assert.NotZero(t, rev)

	// Tenants do not see each other's entities.
	_, _, err = c.Get(ctx, "globex", "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Create(ctx, "globex", "w1", &widget{ID: "w1", Count: 9})
	require.NoError(t, err)

	acme, next, err := c.List(ctx, "acme", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, acme, 1)
	assert.Equal(t, 3, acme[0].Count)
}

func TestCollectionListPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)
	c := NewCollection[widget](b)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("d1.v%06d", i)
		_, err := c.Create(ctx, "acme", id, &widget{ID: id, Count: i})
		require.NoError(t, err)
	}
	_, err = c.Create(ctx, "acme", "d2.v000001", &widget{ID: "d2.v000001"})
	require.NoError(t, err)

	got, next, err := c.ListPrefix(ctx, "acme", "d1.v", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Count)
	assert.Equal(t, 3, got[2].Count)
}

func TestCollectionOptimisticPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	b, err := s.Bucket(ctx, "TEST")
	require.NoError(t, err)
	c := NewCollection[widget](b)

	rev, err := c.Create(ctx, "acme", "w1", &widget{ID: "w1", Count: 1})
	require.NoError(t, err)

	_, err = c.Put(ctx, "acme", "w1", &widget{ID: "w1", Count: 2}, rev)
	require.NoError(t, err)

	_, err = c.Put(ctx, "acme", "w1", &widget{ID: "w1", Count: 3}, rev)
	require.True(t, errors.Is(err, ErrConflict))
}
