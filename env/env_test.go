package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/pack"
	"github.com/c360studio/changeops/store"
)

func newEnvStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), store.NewMemory())
	require.NoError(t, err)
	return s
}

func helpdeskPackage() *pack.Package {
	return &pack.Package{
		PackageKey: "vibe.helpdesk",
		Version:    "1.0.0",
		RecordTypes: []pack.RecordType{
			{
				Key:  "ticket",
				Name: "Ticket",
				Fields: []pack.FieldDef{
					{Name: "title", Type: "string", Required: true},
				},
			},
			{
				Key:      "incident",
				Name:     "Incident",
				BaseType: "ticket",
				Fields: []pack.FieldDef{
					{Name: "parent", Type: "reference", Reference: "ticket"},
					{Name: "asset", Type: "reference", Reference: "cmdb_asset"},
				},
			},
		},
	}
}

func TestEnvironmentCRUD(t *testing.T) {
	ctx := context.Background()
	s := newEnvStore(t)
	op := governance.SystemContext("acme")

	e, err := s.CreateEnvironment(ctx, op, "proj-1", "Development", KindDev)
	require.NoError(t, err)
	assert.Contains(t, e.ID, "env-")
	assert.False(t, e.RequiresPromotionApproval)

	got, err := s.GetEnvironment(ctx, op, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Development", got.Name)

	got.Name = "Dev"
	require.NoError(t, s.UpdateEnvironment(ctx, op, got))
	got, err = s.GetEnvironment(ctx, op, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dev", got.Name)

	envs, _, err := s.ListEnvironments(ctx, op, "", 10)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestProdRequiresApprovalByDefault(t *testing.T) {
	s := newEnvStore(t)
	op := governance.SystemContext("acme")

	e, err := s.CreateEnvironment(context.Background(), op, "proj-1", "Production", KindProd)
	require.NoError(t, err)
	assert.True(t, e.RequiresPromotionApproval)
}

func TestGetEnvironmentTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := newEnvStore(t)

	e, err := s.CreateEnvironment(ctx, governance.SystemContext("acme"), "proj-1", "Dev", KindDev)
	require.NoError(t, err)

	_, err = s.GetEnvironment(ctx, governance.SystemContext("globex"), e.ID)
	assert.True(t, governance.IsCode(err, governance.CodeNotFound))
}

func TestGetStateMissingIsNil(t *testing.T) {
	s := newEnvStore(t)
	st, rev, err := s.GetState(context.Background(), governance.SystemContext("acme"), "env-empty")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Zero(t, rev)
}

func TestPutStateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newEnvStore(t)
	op := governance.SystemContext("acme")

	p := helpdeskPackage()
	sum, err := pack.Checksum(p)
	require.NoError(t, err)

	st := &PackageState{
		EnvironmentID: "env-1",
		TenantID:      "acme",
		PackageKey:    p.PackageKey,
		Package:       p,
		Checksum:      sum,
	}

	rev1, err := s.PutState(ctx, op, st, 0)
	require.NoError(t, err)
	require.NotZero(t, rev1)

	got, gotRev, err := s.GetState(ctx, op, "env-1")
	require.NoError(t, err)
	assert.Equal(t, rev1, gotRev)
	assert.Equal(t, sum, got.Checksum)

	// Stale revision is rejected as a conflict.
	_, err = s.PutState(ctx, op, st, rev1+10)
	assert.True(t, governance.IsCode(err, governance.CodeConflict))

	// Write with the read revision succeeds.
	rev2, err := s.PutState(ctx, op, st, rev1)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)
}

func TestPutStateSyncsGraph(t *testing.T) {
	ctx := context.Background()
	s := newEnvStore(t)
	op := governance.SystemContext("acme")

	p := helpdeskPackage()
	_, err := s.PutState(ctx, op, &PackageState{
		EnvironmentID: "env-1",
		TenantID:      "acme",
		PackageKey:    p.PackageKey,
		Package:       p,
	}, 0)
	require.NoError(t, err)

	node, _, err := s.Graph().GetNode(ctx, "acme", "env-1.ticket")
	require.NoError(t, err)
	assert.Equal(t, "record_type", node.Kind)
	assert.Equal(t, "env-1", node.Props["environment"])

	edges, _, err := s.Graph().ListEdges(ctx, "acme", "", 50)
	require.NoError(t, err)

	labels := map[string]string{}
	for _, e := range edges {
		labels[e.Label] = e.ToID
	}
	assert.Equal(t, "env-1.ticket", labels["extends"])
	assert.Equal(t, "env-1.ticket", labels["references"])

	// The dangling cmdb_asset reference produces no edge.
	require.Len(t, edges, 2)
}
