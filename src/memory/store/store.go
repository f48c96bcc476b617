// Package store defines the narrow contracts the memory core holds against
// its vector and graph back-ends, plus the concrete adapters.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Point is a single vector-store record or hit. Payload always carries the
// {core, entity} sub-objects.
type Point struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filters scope a store operation. UserID is mandatory on every search:
// absence of scoping is a correctness bug, not a feature.
type Filters struct {
	UserID     string
	MemoryType string
	Since      time.Time
	// Equals adds equality matches over payload sub-keys, e.g.
	// "entity.status" or "core.hrid".
	Equals map[string]string
}

// VectorIndex is the contract against the vector database. Upsert-by-id
// semantics throughout, so whole-operation retries are idempotent.
type VectorIndex interface {
	// EnsureCollection creates the target collection if absent. Idempotent.
	EnsureCollection(ctx context.Context, dim int) error
	// Upsert writes one point and returns its id (generated when id is empty).
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) (string, error)
	// Search runs a filtered similarity query; hit scores are in [0,1].
	Search(ctx context.Context, vector []float32, limit int, f Filters) ([]Point, error)
	// Find returns points matching the filters without a query vector.
	Find(ctx context.Context, f Filters, limit int) ([]Point, error)
	// Get fetches one point by id; (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Point, error)
	// Delete removes points by id.
	Delete(ctx context.Context, ids []string) error
	// LastIssuedHRID returns the highest HRID stored for a memory type, or
	// "" when none exist. Feeds allocator restart recovery.
	LastIssuedHRID(ctx context.Context, memoryType string) (string, error)
}

// GraphStore is the contract against the graph database: CRUD only, no DDL
// beyond EnsureSchema, single generic node label for memories.
type GraphStore interface {
	// EnsureSchema creates constraints/indexes for the memory label. Idempotent.
	EnsureSchema(ctx context.Context) error
	// AddNode upserts a node by its id property.
	AddNode(ctx context.Context, label string, props map[string]any) error
	// AddRelationship creates a directed typed relationship. The predicate is
	// validated against the schema registry when one is configured.
	AddRelationship(ctx context.Context, fromLabel, toLabel, relType, fromID, toID string, props map[string]any) error
	// Candidates lists nodes matching the filters, most recently created
	// first, capped at limit.
	Candidates(ctx context.Context, label string, f Filters, limit int) ([]map[string]any, error)
	// Query is the generic parametrized escape hatch.
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	// Neighbors fetches graph-adjacent nodes. direction is "in", "out" or
	// "any"; relTypes restrict traversed predicates.
	Neighbors(ctx context.Context, label, id string, relTypes []string, direction string, limit int, neighborLabel string) ([]map[string]any, error)
	// DeleteNode removes one node, surfacing a distinct error when blocked by
	// existing relationships.
	DeleteNode(ctx context.Context, label, id string) error
}

// ensurePointID fills a missing point id with a fresh UUID so every adapter
// shares the same generated-id semantics.
func ensurePointID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
