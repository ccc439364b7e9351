// Package store provides the durable entity store for the control plane.
// Entities live in named key-value buckets with monotonic per-record
// revisions; all conflicting writes carry an expected revision and lose with
// ErrConflict. Two implementations exist: JetStream-backed for production and
// in-memory for tests.
package store

import (
	"context"
	"fmt"
	"strconv"
)

// Record is a raw stored entry with its revision.
type Record struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Page is one page of a listing. Cursor is opaque to callers; passing
// NextCursor back continues the listing. Empty NextCursor means exhausted.
type Page struct {
	Records    []Record
	NextCursor string
}

// Bucket is the minimal read/write surface over one entity bucket.
type Bucket interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// List returns keys under prefix in lexical order, paged by cursor.
	// limit <= 0 means a default page size of 100.
	List(ctx context.Context, prefix, cursor string, limit int) (*Page, error)

	// Put writes the record. expectedRevision 0 is an unconditional write;
	// a non-zero expectedRevision that does not match loses with ErrConflict.
	// Returns the new revision.
	Put(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error)

	// Create writes the record only if the key does not exist, otherwise
	// ErrConflict. Returns the new revision.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes the record. Non-zero expectedRevision must match.
	Delete(ctx context.Context, key string, expectedRevision uint64) error
}

// Store hands out buckets by name. Bucket creation is idempotent.
type Store interface {
	Bucket(ctx context.Context, name string) (Bucket, error)
}

// Bucket names for control-plane entities.
const (
	BucketDrafts        = "CHANGEOPS_DRAFTS"
	BucketDraftVersions = "CHANGEOPS_DRAFT_VERSIONS"
	BucketOverrides     = "CHANGEOPS_OVERRIDES"
	BucketDefinitions   = "CHANGEOPS_WORKFLOW_DEFINITIONS"
	BucketExecutions    = "CHANGEOPS_WORKFLOW_EXECUTIONS"
	BucketTriggers      = "CHANGEOPS_WORKFLOW_TRIGGERS"
	BucketIntents       = "CHANGEOPS_EXECUTION_INTENTS"
	BucketPromotions    = "CHANGEOPS_PROMOTION_INTENTS"
	BucketEnvironments  = "CHANGEOPS_ENVIRONMENTS"
	BucketEnvState      = "CHANGEOPS_ENV_PACKAGE_STATE"
	BucketChanges       = "CHANGEOPS_CHANGES"
	BucketAudit         = "CHANGEOPS_AUDIT"
	BucketNodes         = "CHANGEOPS_NODES"
	BucketEdges         = "CHANGEOPS_EDGES"
	BucketTenants       = "CHANGEOPS_TENANTS"
)

// TenantKey builds the bucket key for a tenant-scoped entity.
// The tenant segment keeps listings tenant-local by prefix.
func TenantKey(tenantID, id string) string {
	return fmt.Sprintf("t.%s.%s", tenantID, id)
}

// TenantPrefix is the listing prefix covering one tenant's entities.
func TenantPrefix(tenantID string) string {
	return fmt.Sprintf("t.%s.", tenantID)
}

// encodeCursor turns a listing offset into an opaque cursor.
func encodeCursor(offset int) string {
	if offset <= 0 {
		return ""
	}
	return strconv.Itoa(offset)
}

// decodeCursor parses an opaque cursor back to an offset.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return n, nil
}
