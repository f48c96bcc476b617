package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
)

// MemoryIndex implements VectorIndex in process, for tests and lightweight
// deployments.
type MemoryIndex struct {
	mu     sync.RWMutex
	dim    int
	points map[string]memoryPoint
}

type memoryPoint struct {
	vector  []float32
	payload map[string]any
}

var _ VectorIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]memoryPoint)}
}

func (s *MemoryIndex) EnsureCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dim <= 0 {
		return &model.StoreError{Op: "ensure_collection", Reason: "embedding dimension must be positive"}
	}
	if s.dim != 0 && s.dim != dim {
		return &model.StoreError{Op: "ensure_collection", Reason: fmt.Sprintf("collection already sized at %d", s.dim)}
	}
	s.dim = dim
	return nil
}

func (s *MemoryIndex) Upsert(_ context.Context, id string, vector []float32, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = ensurePointID(id)
	if s.points == nil {
		s.points = make(map[string]memoryPoint)
	}
	s.points[id] = memoryPoint{
		vector:  append([]float32(nil), vector...),
		payload: clonePayload(payload),
	}
	return id, nil
}

func (s *MemoryIndex) Search(_ context.Context, vector []float32, limit int, f Filters) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	var points []Point
	for id, pt := range s.points {
		if !matchesFilters(pt.payload, f) {
			continue
		}
		points = append(points, Point{
			ID:      id,
			Score:   model.CosineSimilarity(vector, pt.vector),
			Payload: clonePayload(pt.payload),
		})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Score != points[j].Score {
			return points[i].Score > points[j].Score
		}
		return points[i].ID < points[j].ID
	})
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

func (s *MemoryIndex) Find(_ context.Context, f Filters, limit int) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	var points []Point
	for id, pt := range s.points {
		if !matchesFilters(pt.payload, f) {
			continue
		}
		points = append(points, Point{ID: id, Payload: clonePayload(pt.payload)})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

func (s *MemoryIndex) Get(_ context.Context, id string) (*Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.points[id]
	if !ok {
		return nil, nil
	}
	return &Point{ID: id, Payload: clonePayload(pt.payload)}, nil
}

func (s *MemoryIndex) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points, id)
	}
	return nil
}

func (s *MemoryIndex) LastIssuedHRID(_ context.Context, memoryType string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	memoryType = strings.ToLower(memoryType)
	var best string
	var bestIdx int64 = -1
	for _, pt := range s.points {
		core, _ := pt.payload["core"].(map[string]any)
		if model.StringFromAny(core["memory_type"]) != memoryType {
			continue
		}
		h := model.StringFromAny(core["hrid"])
		if h == "" {
			continue
		}
		idx, err := hrid.ToIndex(h)
		if err != nil {
			continue
		}
		if idx > bestIdx {
			bestIdx = idx
			best = h
		}
	}
	return best, nil
}

// Count reports how many points are stored. Test helper.
func (s *MemoryIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func matchesFilters(payload map[string]any, f Filters) bool {
	core, _ := payload["core"].(map[string]any)
	if f.UserID != "" && model.StringFromAny(core["user_id"]) != f.UserID {
		return false
	}
	if f.MemoryType != "" && model.StringFromAny(core["memory_type"]) != strings.ToLower(f.MemoryType) {
		return false
	}
	if !f.Since.IsZero() {
		created := model.TimeFromAny(core["created_at"])
		if created.IsZero() || created.Before(f.Since) {
			return false
		}
	}
	for key, value := range f.Equals {
		if model.StringFromAny(payloadValue(payload, key)) != value {
			return false
		}
	}
	return true
}

// payloadValue resolves a dotted path like "core.hrid" inside a payload.
func payloadValue(payload map[string]any, path string) any {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// MemoryGraph implements GraphStore in process. It mirrors the Neo4j
// contract, including refusing to delete nodes that still have relationships.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]map[string]map[string]any
	edges []memoryEdge
	// validPredicate gates relationship types, same as the Neo4j store.
	validPredicate func(string) bool
}

type memoryEdge struct {
	fromLabel string
	toLabel   string
	relType   string
	fromID    string
	toID      string
	props     map[string]any
}

var _ GraphStore = (*MemoryGraph)(nil)

func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{nodes: make(map[string]map[string]map[string]any)}
}

// WithPredicateRegistry installs the schema's relationship whitelist.
func (g *MemoryGraph) WithPredicateRegistry(valid func(string) bool) *MemoryGraph {
	g.validPredicate = valid
	return g
}

func (g *MemoryGraph) EnsureSchema(_ context.Context) error { return nil }

func (g *MemoryGraph) AddNode(_ context.Context, label string, props map[string]any) error {
	if err := validLabel(label); err != nil {
		return err
	}
	id := model.StringFromAny(props["id"])
	if id == "" {
		return &model.StoreError{Op: "add_node", Reason: "node properties missing id"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes == nil {
		g.nodes = make(map[string]map[string]map[string]any)
	}
	if g.nodes[label] == nil {
		g.nodes[label] = make(map[string]map[string]any)
	}
	existing := g.nodes[label][id]
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range props {
		existing[k] = v
	}
	g.nodes[label][id] = existing
	return nil
}

func (g *MemoryGraph) AddRelationship(_ context.Context, fromLabel, toLabel, relType, fromID, toID string, props map[string]any) error {
	if err := validLabel(fromLabel); err != nil {
		return err
	}
	if err := validLabel(toLabel); err != nil {
		return err
	}
	relType = strings.ToUpper(strings.TrimSpace(relType))
	if !identRe.MatchString(relType) {
		return &model.ValidationError{Op: "add_relationship", Field: "rel_type", Value: relType, Reason: "relationship type is not a valid identifier"}
	}
	if g.validPredicate != nil && !g.validPredicate(relType) {
		return &model.ValidationError{Op: "add_relationship", Field: "rel_type", Value: relType, Reason: "relationship predicate not declared in schema"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[fromLabel][fromID] == nil || g.nodes[toLabel][toID] == nil {
		return &model.StoreError{Op: "add_relationship", Key: fromID, Reason: "both endpoints must exist"}
	}
	for _, e := range g.edges {
		if e.fromID == fromID && e.toID == toID && e.relType == relType {
			return nil
		}
	}
	g.edges = append(g.edges, memoryEdge{
		fromLabel: fromLabel,
		toLabel:   toLabel,
		relType:   relType,
		fromID:    fromID,
		toID:      toID,
		props:     clonePayload(props),
	})
	return nil
}

func (g *MemoryGraph) Candidates(_ context.Context, label string, f Filters, limit int) ([]map[string]any, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var rows []map[string]any
	for _, props := range g.nodes[label] {
		if !matchesNodeFilters(props, f) {
			continue
		}
		rows = append(rows, clonePayload(props))
	}
	sort.Slice(rows, func(i, j int) bool {
		ti := model.TimeFromAny(rows[i]["created_at"])
		tj := model.TimeFromAny(rows[j]["created_at"])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return model.StringFromAny(rows[i]["id"]) < model.StringFromAny(rows[j]["id"])
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Query is not supported in process; callers needing raw queries use the
// Neo4j store.
func (g *MemoryGraph) Query(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, &model.StoreError{Op: "graph_query", Reason: "raw queries are not supported by the in-process graph"}
}

func (g *MemoryGraph) Neighbors(_ context.Context, label, id string, relTypes []string, direction string, limit int, neighborLabel string) ([]map[string]any, error) {
	if uuidRe.MatchString(label) {
		return nil, &model.ValidationError{
			Op: "neighbors", Field: "label", Value: label,
			Reason: "label must be a node type, not an id; pass ids as the id argument",
		}
	}
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if !uuidRe.MatchString(id) {
		return nil, &model.ValidationError{Op: "neighbors", Field: "id", Value: id, Reason: "node id is not a valid identifier"}
	}
	if limit <= 0 {
		limit = 10
	}
	allowed := map[string]bool{}
	for _, r := range relTypes {
		r = strings.ToUpper(strings.TrimSpace(r))
		if !identRe.MatchString(r) {
			return nil, &model.ValidationError{Op: "neighbors", Field: "rel_types", Value: r, Reason: "relationship type is not a valid identifier"}
		}
		allowed[r] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var rows []map[string]any
	appendNeighbor := func(nodeLabel, nodeID, relType string) {
		if neighborLabel != "" && nodeLabel != neighborLabel {
			return
		}
		if seen[nodeID] {
			return
		}
		props, ok := g.nodes[nodeLabel][nodeID]
		if !ok {
			return
		}
		seen[nodeID] = true
		row := clonePayload(props)
		row["rel_type"] = relType
		rows = append(rows, row)
	}
	for _, e := range g.edges {
		if len(allowed) > 0 && !allowed[e.relType] {
			continue
		}
		outbound := e.fromLabel == label && e.fromID == id
		inbound := e.toLabel == label && e.toID == id
		switch direction {
		case "out":
			if outbound {
				appendNeighbor(e.toLabel, e.toID, e.relType)
			}
		case "in":
			if inbound {
				appendNeighbor(e.fromLabel, e.fromID, e.relType)
			}
		default:
			if outbound {
				appendNeighbor(e.toLabel, e.toID, e.relType)
			}
			if inbound {
				appendNeighbor(e.fromLabel, e.fromID, e.relType)
			}
		}
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func (g *MemoryGraph) DeleteNode(_ context.Context, label, id string) error {
	if err := validLabel(label); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[label][id] == nil {
		return nil
	}
	for _, e := range g.edges {
		if e.fromID == id || e.toID == id {
			return &model.StoreError{
				Op:     "delete_node",
				Key:    id,
				Reason: "deletion blocked; delete relationships first",
				Err:    ErrHasRelationships,
			}
		}
	}
	delete(g.nodes[label], id)
	return nil
}

// EdgeCount reports how many relationships are stored. Test helper.
func (g *MemoryGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

func matchesNodeFilters(props map[string]any, f Filters) bool {
	if f.UserID != "" && model.StringFromAny(props["user_id"]) != f.UserID {
		return false
	}
	if f.MemoryType != "" && model.StringFromAny(props["memory_type"]) != strings.ToLower(f.MemoryType) {
		return false
	}
	if !f.Since.IsZero() {
		created := model.TimeFromAny(props["created_at"])
		if created.IsZero() || created.Before(f.Since) {
			return false
		}
	}
	// Equals paths address vector payloads; graph candidates only honor the
	// scoping filters, same as the Neo4j store.
	return true
}
