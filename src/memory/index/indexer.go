// Package index owns every write into the vector and graph stores. All
// other components treat both stores as read-only.
package index

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/memglab/memg/src/memory/embed"
	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
	"github.com/memglab/memg/src/memory/schema"
	"github.com/memglab/memg/src/memory/store"
)

// ErrNotFound is returned when a memory reference resolves to nothing the
// caller owns.
var ErrNotFound = errors.New("memory not found")

// Indexer performs the dual write of a Memory into both stores. The vector
// store's point id becomes the memory's canonical id.
type Indexer struct {
	translator *schema.Translator
	embedder   embed.Embedder
	vectors    store.VectorIndex
	graph      store.GraphStore
	alloc      *hrid.Allocator

	mu    sync.Mutex
	ready bool
}

// New wires an Indexer. The HRID allocator recovers its counters from the
// vector store, which is the authoritative side of every write.
func New(translator *schema.Translator, embedder embed.Embedder, vectors store.VectorIndex, graph store.GraphStore) *Indexer {
	return &Indexer{
		translator: translator,
		embedder:   embedder,
		vectors:    vectors,
		graph:      graph,
		alloc:      hrid.NewAllocator(vectors),
	}
}

// Index persists one Memory: exactly one vector write, then one graph write.
// No internal retries. A partial failure (vector ok, graph failed) surfaces
// as an error; the whole operation is safe to retry because both writes are
// upserts keyed by id.
func (ix *Indexer) Index(ctx context.Context, mem *model.Memory) (string, error) {
	anchor, err := ix.translator.BuildAnchorText(mem)
	if err != nil {
		return "", &model.ProcessingError{
			Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
			Reason: "anchor text unavailable", Err: err,
		}
	}
	if mem.HRID == "" {
		h, err := ix.alloc.Next(ctx, mem.MemoryType)
		if err != nil {
			return "", &model.ProcessingError{
				Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
				Reason: "hrid allocation failed", Err: err,
			}
		}
		mem.HRID = h
	}
	vector, err := ix.embedder.Embed(ctx, anchor)
	if err != nil {
		return "", &model.ProcessingError{
			Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
			Reason: "embedding failed", Err: err,
		}
	}
	point := model.MemoryPoint{Memory: mem, Vector: vector}
	if err := point.Validate(); err != nil {
		return "", err
	}
	if err := ix.ensureCollection(ctx, len(point.Vector)); err != nil {
		return "", err
	}
	id, err := ix.vectors.Upsert(ctx, mem.ID, point.Vector, mem.VectorPayload())
	if err != nil {
		return "", &model.ProcessingError{
			Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
			Reason: "vector upsert failed", Err: err,
		}
	}
	mem.ID = id

	anchorField, err := ix.translator.AnchorField(mem.MemoryType)
	if err != nil {
		return "", &model.ProcessingError{
			Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
			Reason: "anchor field lookup failed", Err: err,
		}
	}
	if err := ix.graph.AddNode(ctx, model.NodeLabel, mem.GraphNode(anchorField)); err != nil {
		// Vector write already landed; the caller may retry the whole
		// operation to repair the stale graph mirror.
		return "", &model.ProcessingError{
			Op: "index", MemoryID: mem.ID, MemoryType: mem.MemoryType,
			Reason: "graph mirror failed after vector write", Err: err,
		}
	}
	return id, nil
}

// Link records a directed relationship between two owned memories. Refs may
// be HRIDs or point ids. The predicate must be declared in the schema.
func (ix *Indexer) Link(ctx context.Context, fromRef, toRef, relType, userID string) error {
	relType = strings.ToUpper(strings.TrimSpace(relType))
	if !ix.translator.ValidRelation(relType) {
		return &model.ValidationError{
			Op: "link", Field: "relation", Value: relType,
			Allowed: ix.translator.RelationNames(),
			Reason:  "relation not declared in schema",
		}
	}
	from, err := ix.resolve(ctx, fromRef, userID)
	if err != nil {
		return err
	}
	to, err := ix.resolve(ctx, toRef, userID)
	if err != nil {
		return err
	}
	return ix.graph.AddRelationship(ctx, model.NodeLabel, model.NodeLabel, relType, from.ID, to.ID, nil)
}

// Delete removes one owned memory from both stores. The vector store is the
// source of truth: its delete must succeed, while a failing graph delete is
// logged and tolerated, leaving a stale node the read paths already ignore.
func (ix *Indexer) Delete(ctx context.Context, ref, userID string) error {
	point, err := ix.resolve(ctx, ref, userID)
	if err != nil {
		return err
	}
	if err := ix.vectors.Delete(ctx, []string{point.ID}); err != nil {
		return &model.ProcessingError{
			Op: "delete", MemoryID: point.ID,
			Reason: "vector delete failed", Err: err,
		}
	}
	if err := ix.graph.DeleteNode(ctx, model.NodeLabel, point.ID); err != nil {
		log.Warn("graph delete failed; stale node left behind", "id", point.ID, "err", err)
	}
	return nil
}

// Get fetches one owned memory by HRID or point id.
func (ix *Indexer) Get(ctx context.Context, ref, userID string) (*model.Memory, error) {
	point, err := ix.resolve(ctx, ref, userID)
	if err != nil {
		return nil, err
	}
	mem := model.FromVectorPayload(point.ID, point.Payload)
	return &mem, nil
}

func (ix *Indexer) ensureCollection(ctx context.Context, dim int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ready {
		return nil
	}
	if err := ix.vectors.EnsureCollection(ctx, dim); err != nil {
		return &model.ProcessingError{Op: "index", Reason: "collection bootstrap failed", Err: err}
	}
	ix.ready = true
	return nil
}

// resolve maps an HRID or point id onto the caller's point, enforcing
// user_id ownership against the vector store.
func (ix *Indexer) resolve(ctx context.Context, ref, userID string) (*store.Point, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || userID == "" {
		return nil, &model.ValidationError{Op: "resolve", Field: "ref", Value: ref, Reason: "ref and user_id are required"}
	}
	if _, _, _, err := hrid.Parse(strings.ToUpper(ref)); err == nil {
		points, err := ix.vectors.Find(ctx, store.Filters{
			UserID: userID,
			Equals: map[string]string{"core.hrid": strings.ToUpper(ref)},
		}, 1)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			return nil, ErrNotFound
		}
		return &points[0], nil
	}
	point, err := ix.vectors.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if point == nil {
		return nil, ErrNotFound
	}
	core, _ := point.Payload["core"].(map[string]any)
	if model.StringFromAny(core["user_id"]) != userID {
		return nil, ErrNotFound
	}
	return point, nil
}
