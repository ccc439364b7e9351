package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/store"
)

// ChangeStatus is the lifecycle state of a governed change.
type ChangeStatus string

const (
	ChangeStatusDraft  ChangeStatus = "draft"
	ChangeStatusReady  ChangeStatus = "ready"
	ChangeStatusMerged ChangeStatus = "merged"
)

// Change is the unit of change control. Governed writes reference a change;
// workflow definitions may activate only while their change is ready or
// merged.
type Change struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Title     string       `json:"title"`
	Status    ChangeStatus `json:"status"`
	Author    string       `json:"author"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewChange creates a draft change.
func NewChange(tenantID, title, author string) *Change {
	now := time.Now().UTC()
	return &Change{
		ID:        fmt.Sprintf("chg-%s", uuid.New().String()[:8]),
		TenantID:  tenantID,
		Title:     title,
		Status:    ChangeStatusDraft,
		Author:    author,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AllowsActivation reports whether governed entities linked to this change
// may become active.
func (c *Change) AllowsActivation() bool {
	return c.Status == ChangeStatusReady || c.Status == ChangeStatusMerged
}

// ChangeStore persists changes.
type ChangeStore struct {
	changes *store.Collection[Change]
}

// NewChangeStore opens the change bucket.
func NewChangeStore(ctx context.Context, s store.Store) (*ChangeStore, error) {
	bucket, err := s.Bucket(ctx, store.BucketChanges)
	if err != nil {
		return nil, fmt.Errorf("open change bucket: %w", err)
	}
	return &ChangeStore{changes: store.NewCollection[Change](bucket)}, nil
}

// Get loads a change within the operation tenant.
func (cs *ChangeStore) Get(ctx context.Context, op OpContext, id string) (*Change, error) {
	change, _, err := cs.changes.Get(ctx, op.Tenant.TenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(CodeNotFound, "change %s not found", id)
		}
		return nil, err
	}
	if err := op.RequireTenant(change.TenantID); err != nil {
		return nil, err
	}
	return change, nil
}

// Put saves a change.
func (cs *ChangeStore) Put(ctx context.Context, op OpContext, change *Change) error {
	if err := op.RequireTenant(change.TenantID); err != nil {
		return err
	}
	change.UpdatedAt = time.Now().UTC()
	_, err := cs.changes.Put(ctx, change.TenantID, change.ID, change, 0)
	return err
}

// CheckActivation verifies that the referenced change permits activation of a
// governed entity. An empty change ID fails closed.
func (cs *ChangeStore) CheckActivation(ctx context.Context, op OpContext, changeID string) error {
	if changeID == "" {
		return NewError(CodeGovernanceRequired, "activation requires a change ID")
	}
	change, err := cs.Get(ctx, op, changeID)
	if err != nil {
		return err
	}
	if !change.AllowsActivation() {
		return NewError(CodeStateInvalid,
			"change %s is %s; activation requires ready or merged", changeID, change.Status)
	}
	return nil
}
