// Package tenant is the control-plane tenant registry. Tenants are global
// records, not tenant-scoped; everything else in the system hangs off their
// IDs.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/store"
)

const keyPrefix = "tenant."

// Tenant is one provisioned tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry stores tenants.
type Registry struct {
	bucket store.Bucket
}

// NewRegistry opens the tenants bucket.
func NewRegistry(ctx context.Context, s store.Store) (*Registry, error) {
	bucket, err := s.Bucket(ctx, store.BucketTenants)
	if err != nil {
		return nil, fmt.Errorf("open tenants bucket: %w", err)
	}
	return &Registry{bucket: bucket}, nil
}

// Create provisions a tenant.
func (r *Registry) Create(ctx context.Context, name string) (*Tenant, error) {
	if name == "" {
		return nil, governance.NewError(governance.CodeValidationError, "tenant name is required")
	}

	t := &Tenant{
		ID:        "tnt-" + uuid.New().String()[:8],
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if _, err := r.bucket.Create(ctx, keyPrefix+t.ID, data); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return t, nil
}

// Get loads one tenant.
func (r *Registry) Get(ctx context.Context, id string) (*Tenant, error) {
	rec, err := r.bucket.Get(ctx, keyPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound, "tenant %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	var t Tenant
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return nil, fmt.Errorf("decode tenant %s: %w", id, err)
	}
	return &t, nil
}

// List returns every tenant.
func (r *Registry) List(ctx context.Context) ([]*Tenant, error) {
	var out []*Tenant
	cursor := ""
	for {
		page, err := r.bucket.List(ctx, keyPrefix, cursor, 256)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			var t Tenant
			if err := json.Unmarshal(rec.Value, &t); err != nil {
				continue
			}
			out = append(out, &t)
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// IDs returns every tenant ID, for cross-tenant control loops.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	tenants, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	return ids, nil
}
