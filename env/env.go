// Package env models deployment environments and the package baseline
// installed in each one. The baseline is the unit of optimistic concurrency
// for installs and promotions: writers carry the revision they read and the
// store rejects stale writes.
package env

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

// Kind classifies an environment within a project.
type Kind string

const (
	KindDev  Kind = "dev"
	KindTest Kind = "test"
	KindProd Kind = "prod"
)

// Environment is one deployment target within a project.
type Environment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// RequiresPromotionApproval gates promotion execution into this
	// environment behind an explicit approval step.
	RequiresPromotionApproval bool `json:"requiresPromotionApproval"`
}

// PackageState is the baseline package installed in an environment.
// One state per environment, keyed by environment ID.
type PackageState struct {
	EnvironmentID string        `json:"environmentId"`
	TenantID      string        `json:"tenantId"`
	PackageKey    string        `json:"packageKey"`
	Package       *pack.Package `json:"package"`
	Checksum      string        `json:"checksum"`
	InstalledAt   time.Time     `json:"installedAt"`
	InstalledBy   string        `json:"installedBy,omitempty"`
}

// Store provides tenant-scoped access to environments and their baselines.
type Store struct {
	environments *store.Collection[Environment]
	states       *store.Collection[PackageState]
	graph        *store.Graph
}

// NewStore opens the environment buckets.
func NewStore(ctx context.Context, s store.Store) (*Store, error) {
	envBucket, err := s.Bucket(ctx, store.BucketEnvironments)
	if err != nil {
		return nil, fmt.Errorf("open environments bucket: %w", err)
	}
	stateBucket, err := s.Bucket(ctx, store.BucketEnvState)
	if err != nil {
		return nil, fmt.Errorf("open environment state bucket: %w", err)
	}
	graph, err := store.NewGraph(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("open graph buckets: %w", err)
	}
	return &Store{
		environments: store.NewCollection[Environment](envBucket),
		states:       store.NewCollection[PackageState](stateBucket),
		graph:        graph,
	}, nil
}

// CreateEnvironment registers a new environment for the tenant.
func (s *Store) CreateEnvironment(ctx context.Context, op governance.OpContext, projectID, name string, kind Kind) (*Environment, error) {
	now := time.Now().UTC()
	e := &Environment{
		ID:        "env-" + uuid.New().String()[:8],
		TenantID:  op.Tenant.TenantID,
		ProjectID: projectID,
		Name:      name,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,

		RequiresPromotionApproval: kind == KindProd,
	}
	if _, err := s.environments.Create(ctx, e.TenantID, e.ID, e); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	return e, nil
}

// GetEnvironment loads an environment, enforcing tenant ownership.
func (s *Store) GetEnvironment(ctx context.Context, op governance.OpContext, id string) (*Environment, error) {
	e, _, err := s.environments.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound, "environment %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := op.RequireTenant(e.TenantID); err != nil {
		return nil, err
	}
	return e, nil
}

// ListEnvironments pages through the tenant's environments.
func (s *Store) ListEnvironments(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Environment, string, error) {
	return s.environments.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// UpdateEnvironment persists environment settings changes.
func (s *Store) UpdateEnvironment(ctx context.Context, op governance.OpContext, e *Environment) error {
	if err := op.RequireTenant(e.TenantID); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()
	if _, err := s.environments.Put(ctx, e.TenantID, e.ID, e, 0); err != nil {
		return fmt.Errorf("update environment: %w", err)
	}
	return nil
}

// GetState loads the baseline for an environment along with its revision.
// A missing state is reported as (nil, 0, nil): an environment with nothing
// installed yet is a normal condition, not an error.
func (s *Store) GetState(ctx context.Context, op governance.OpContext, environmentID string) (*PackageState, uint64, error) {
	st, rev, err := s.states.Get(ctx, op.Tenant.TenantID, environmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if err := op.RequireTenant(st.TenantID); err != nil {
		return nil, 0, err
	}
	return st, rev, nil
}

// PutState upserts the baseline with an optimistic revision check. A stale
// expectedRevision surfaces as CONFLICT; the caller must re-read and retry.
func (s *Store) PutState(ctx context.Context, op governance.OpContext, st *PackageState, expectedRevision uint64) (uint64, error) {
	if err := op.RequireTenant(st.TenantID); err != nil {
		return 0, err
	}

	rev, err := s.states.Put(ctx, st.TenantID, st.EnvironmentID, st, expectedRevision)
	if errors.Is(err, store.ErrConflict) {
		return 0, governance.WrapError(governance.CodeConflict, err,
			"baseline for environment %s changed since read", st.EnvironmentID)
	}
	if err != nil {
		return 0, fmt.Errorf("write environment baseline: %w", err)
	}

	if err := s.syncGraph(ctx, st); err != nil {
		return 0, fmt.Errorf("sync environment graph: %w", err)
	}
	return rev, nil
}

// Graph exposes the configuration-item graph derived from installed
// baselines.
func (s *Store) Graph() *store.Graph {
	return s.graph
}

// syncGraph mirrors the baseline's record types into the tenant graph:
// one node per record type, edges for baseType extension and reference
// fields. Node IDs embed the environment so baselines don't collide.
func (s *Store) syncGraph(ctx context.Context, st *PackageState) error {
	if st.Package == nil {
		return nil
	}

	nodeID := func(key string) string {
		return st.EnvironmentID + "." + key
	}

	for _, rt := range st.Package.RecordTypes {
		node := &store.Node{
			ID:       nodeID(rt.Key),
			TenantID: st.TenantID,
			Kind:     "record_type",
			Props: map[string]string{
				"name":        rt.Name,
				"environment": st.EnvironmentID,
				"package":     st.PackageKey,
			},
		}
		if _, err := s.graph.UpsertNode(ctx, node, 0); err != nil {
			return err
		}
	}

	for _, rt := range st.Package.RecordTypes {
		if rt.BaseType != "" {
			edge := &store.Edge{
				ID:       nodeID(rt.Key) + ".extends." + rt.BaseType,
				TenantID: st.TenantID,
				FromID:   nodeID(rt.Key),
				ToID:     nodeID(rt.BaseType),
				Label:    "extends",
			}
			if _, err := s.graph.UpsertEdge(ctx, edge, 0); err != nil {
				return err
			}
		}
		for _, f := range rt.Fields {
			if f.Reference == "" {
				continue
			}
			// Reference fields may point outside the package; only
			// in-package targets become edges.
			if _, _, err := s.graph.GetNode(ctx, st.TenantID, nodeID(f.Reference)); err != nil {
				continue
			}
			edge := &store.Edge{
				ID:       nodeID(rt.Key) + ".ref." + f.Name,
				TenantID: st.TenantID,
				FromID:   nodeID(rt.Key),
				ToID:     nodeID(f.Reference),
				Label:    "references",
			}
			if _, err := s.graph.UpsertEdge(ctx, edge, 0); err != nil {
				return err
			}
		}
	}

	return nil
}
