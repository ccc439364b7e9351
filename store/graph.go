package store

import (
	"context"
	"fmt"
	"time"
)

// Node is a configuration-item node in the tenant graph.
type Node struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Kind      string            `json:"kind"`
	Props     map[string]string `json:"props,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Edge is a directed, labeled relation between two nodes of the same tenant.
type Edge struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph provides node/edge CRUD over the store. No traversal or query
// language; callers page through nodes and edges and join in memory.
type Graph struct {
	nodes *Collection[Node]
	edges *Collection[Edge]
}

// NewGraph opens the node and edge buckets.
func NewGraph(ctx context.Context, s Store) (*Graph, error) {
	nodeBucket, err := s.Bucket(ctx, BucketNodes)
	if err != nil {
		return nil, fmt.Errorf("open node bucket: %w", err)
	}
	edgeBucket, err := s.Bucket(ctx, BucketEdges)
	if err != nil {
		return nil, fmt.Errorf("open edge bucket: %w", err)
	}
	return &Graph{
		nodes: NewCollection[Node](nodeBucket),
		edges: NewCollection[Edge](edgeBucket),
	}, nil
}

// GetNode loads one node.
func (g *Graph) GetNode(ctx context.Context, tenantID, id string) (*Node, uint64, error) {
	return g.nodes.Get(ctx, tenantID, id)
}

// ListNodes pages a tenant's nodes.
func (g *Graph) ListNodes(ctx context.Context, tenantID, cursor string, limit int) ([]*Node, string, error) {
	return g.nodes.List(ctx, tenantID, cursor, limit)
}

// UpsertNode writes a node with optimistic versioning.
func (g *Graph) UpsertNode(ctx context.Context, node *Node, expectedRevision uint64) (uint64, error) {
	if node.TenantID == "" || node.ID == "" {
		return 0, fmt.Errorf("node requires tenant and ID")
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	return g.nodes.Put(ctx, node.TenantID, node.ID, node, expectedRevision)
}

// DeleteNode removes a node.
func (g *Graph) DeleteNode(ctx context.Context, tenantID, id string, expectedRevision uint64) error {
	return g.nodes.Delete(ctx, tenantID, id, expectedRevision)
}

// GetEdge loads one edge.
func (g *Graph) GetEdge(ctx context.Context, tenantID, id string) (*Edge, uint64, error) {
	return g.edges.Get(ctx, tenantID, id)
}

// ListEdges pages a tenant's edges.
func (g *Graph) ListEdges(ctx context.Context, tenantID, cursor string, limit int) ([]*Edge, string, error) {
	return g.edges.List(ctx, tenantID, cursor, limit)
}

// UpsertEdge writes an edge after verifying both endpoints exist within the
// same tenant.
func (g *Graph) UpsertEdge(ctx context.Context, edge *Edge, expectedRevision uint64) (uint64, error) {
	if edge.TenantID == "" || edge.ID == "" {
		return 0, fmt.Errorf("edge requires tenant and ID")
	}
	if _, _, err := g.nodes.Get(ctx, edge.TenantID, edge.FromID); err != nil {
		return 0, fmt.Errorf("edge source %s: %w", edge.FromID, err)
	}
	if _, _, err := g.nodes.Get(ctx, edge.TenantID, edge.ToID); err != nil {
		return 0, fmt.Errorf("edge target %s: %w", edge.ToID, err)
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	return g.edges.Put(ctx, edge.TenantID, edge.ID, edge, expectedRevision)
}

// DeleteEdge removes an edge.
func (g *Graph) DeleteEdge(ctx context.Context, tenantID, id string, expectedRevision uint64) error {
	return g.edges.Delete(ctx, tenantID, id, expectedRevision)
}
