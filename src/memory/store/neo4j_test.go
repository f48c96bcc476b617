package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/memglab/memg/src/memory/model"
)

type fakeNeo4jDriver struct {
	queries []string
	params  []map[string]any
	// rows are served to the next Run call, then cleared.
	rows   []map[string]any
	runErr error
	closed bool
}

func (d *fakeNeo4jDriver) NewSession(_ context.Context, _ Neo4jSessionConfig) (neo4jSession, error) {
	return &fakeNeo4jSession{driver: d}, nil
}

func (d *fakeNeo4jDriver) Close(_ context.Context) error {
	d.closed = true
	return nil
}

type fakeNeo4jSession struct {
	driver *fakeNeo4jDriver
}

func (s *fakeNeo4jSession) Run(_ context.Context, query string, params map[string]any) (neo4jResult, error) {
	s.driver.queries = append(s.driver.queries, query)
	s.driver.params = append(s.driver.params, params)
	if s.driver.runErr != nil {
		return nil, s.driver.runErr
	}
	rows := s.driver.rows
	s.driver.rows = nil
	return &fakeNeo4jResult{rows: rows, cursor: -1}, nil
}

func (s *fakeNeo4jSession) Close(_ context.Context) error { return nil }

type fakeNeo4jResult struct {
	rows   []map[string]any
	cursor int
}

func (r *fakeNeo4jResult) Next(_ context.Context) bool {
	r.cursor++
	return r.cursor < len(r.rows)
}

func (r *fakeNeo4jResult) Record() neo4jRecord {
	if r.cursor < 0 || r.cursor >= len(r.rows) {
		return nil
	}
	return fakeNeo4jRecord{row: r.rows[r.cursor]}
}

func (r *fakeNeo4jResult) Err() error                    { return nil }
func (r *fakeNeo4jResult) Close(_ context.Context) error { return nil }

type fakeNeo4jRecord struct {
	row map[string]any
}

func (r fakeNeo4jRecord) Keys() []string {
	keys := make([]string, 0, len(r.row))
	for k := range r.row {
		keys = append(keys, k)
	}
	return keys
}

func (r fakeNeo4jRecord) Get(key string) (any, bool) {
	v, ok := r.row[key]
	return v, ok
}

const testNodeID = "3f1d9a42-7c2e-4b11-9f5a-0d8e6c4b2a10"
const otherNodeID = "9b7e2f10-1a3c-4d5e-8f90-6a1b2c3d4e5f"

func newTestGraph(t *testing.T) (*Neo4jGraph, *fakeNeo4jDriver) {
	t.Helper()
	driver := &fakeNeo4jDriver{}
	g, err := NewNeo4jGraph(driver, "neo4j")
	if err != nil {
		t.Fatalf("NewNeo4jGraph returned error: %v", err)
	}
	return g, driver
}

func TestNeo4jAddNodeMergesByID(t *testing.T) {
	g, driver := newTestGraph(t)
	err := g.AddNode(context.Background(), model.NodeLabel, map[string]any{
		"id": testNodeID, "user_id": "u1", "anchor": "hello",
	})
	if err != nil {
		t.Fatalf("AddNode returned error: %v", err)
	}
	if len(driver.queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(driver.queries))
	}
	q := driver.queries[0]
	if !strings.Contains(q, "MERGE (n:Memory {id: $id})") {
		t.Fatalf("expected MERGE by id, got: %s", q)
	}
	if driver.params[0]["id"] != testNodeID {
		t.Fatalf("id param missing: %#v", driver.params[0])
	}
}

func TestNeo4jAddNodeRequiresID(t *testing.T) {
	g, _ := newTestGraph(t)
	if err := g.AddNode(context.Background(), model.NodeLabel, map[string]any{"user_id": "u1"}); err == nil {
		t.Fatal("expected error for node without id")
	}
}

func TestNeo4jAddRelationshipValidation(t *testing.T) {
	g, driver := newTestGraph(t)
	g = g.WithPredicateRegistry(func(rel string) bool { return rel == "RELATED_TO" })
	ctx := context.Background()

	if err := g.AddRelationship(ctx, model.NodeLabel, model.NodeLabel, "MENTIONS", testNodeID, otherNodeID, nil); err == nil {
		t.Fatal("undeclared predicate must be rejected")
	}
	if err := g.AddRelationship(ctx, model.NodeLabel, model.NodeLabel, "REL-TYPE;DROP", testNodeID, otherNodeID, nil); err == nil {
		t.Fatal("malformed predicate must be rejected")
	}
	if len(driver.queries) != 0 {
		t.Fatalf("rejected relationships must not hit the store: %v", driver.queries)
	}

	// Lowercase input normalizes to the declared uppercase predicate.
	if err := g.AddRelationship(ctx, model.NodeLabel, model.NodeLabel, "related_to", testNodeID, otherNodeID, nil); err != nil {
		t.Fatalf("AddRelationship returned error: %v", err)
	}
	if !strings.Contains(driver.queries[0], "MERGE (a)-[r:RELATED_TO]->(b)") {
		t.Fatalf("unexpected relationship query: %s", driver.queries[0])
	}
}

func TestNeo4jCandidatesScoping(t *testing.T) {
	g, driver := newTestGraph(t)
	driver.rows = []map[string]any{
		{"id": testNodeID, "user_id": "u1", "memory_type": "note", "hrid": "NOTE_AAA000", "anchor": "hello"},
	}
	rows, err := g.Candidates(context.Background(), model.NodeLabel, Filters{UserID: "u1", MemoryType: "Note"}, 10)
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}
	if len(rows) != 1 || rows[0]["hrid"] != "NOTE_AAA000" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
	q := driver.queries[0]
	if !strings.Contains(q, "m.user_id = $user_id") || !strings.Contains(q, "m.memory_type = $memory_type") {
		t.Fatalf("scoping clauses missing: %s", q)
	}
	if driver.params[0]["memory_type"] != "note" {
		t.Fatalf("memory_type must be lowercased: %#v", driver.params[0])
	}
	if !strings.Contains(q, "ORDER BY coalesce(m.updated_at, m.created_at) DESC") {
		t.Fatalf("expected recency ordering: %s", q)
	}
}

func TestNeo4jNeighborsDefensiveChecks(t *testing.T) {
	g, driver := newTestGraph(t)
	ctx := context.Background()

	// An id passed where the label belongs is a caller bug worth naming.
	if _, err := g.Neighbors(ctx, testNodeID, testNodeID, nil, "any", 5, ""); err == nil {
		t.Fatal("id-shaped label must be rejected")
	}
	if _, err := g.Neighbors(ctx, model.NodeLabel, "not-a-uuid", nil, "any", 5, ""); err == nil {
		t.Fatal("non-id node id must be rejected")
	}
	if _, err := g.Neighbors(ctx, model.NodeLabel, testNodeID, []string{"BAD REL"}, "any", 5, ""); err == nil {
		t.Fatal("malformed relationship type must be rejected")
	}
	if len(driver.queries) != 0 {
		t.Fatalf("rejected calls must not hit the store: %v", driver.queries)
	}

	driver.rows = []map[string]any{{"id": otherNodeID, "rel_type": "RELATED_TO"}}
	rows, err := g.Neighbors(ctx, model.NodeLabel, testNodeID, []string{"related_to", "REQUIRES"}, "out", 5, model.NodeLabel)
	if err != nil {
		t.Fatalf("Neighbors returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
	q := driver.queries[0]
	if !strings.Contains(q, "-[r:RELATED_TO|REQUIRES]->") {
		t.Fatalf("expected outbound typed pattern: %s", q)
	}
}

func TestNeo4jDeleteNode(t *testing.T) {
	g, driver := newTestGraph(t)
	ctx := context.Background()

	// Absent node: existence check comes back empty, delete is a no-op.
	if err := g.DeleteNode(ctx, model.NodeLabel, testNodeID); err != nil {
		t.Fatalf("delete of absent node must succeed: %v", err)
	}
	if len(driver.queries) != 1 {
		t.Fatalf("expected only the existence check, got %v", driver.queries)
	}

	// Present node whose delete is blocked by relationship constraints:
	// the existence check succeeds, the DELETE fails.
	inner := &fakeNeo4jDriver{rows: []map[string]any{{"id": testNodeID}}}
	blocked := &failSecondRunDriver{
		inner:    inner,
		failWith: errors.New("Cannot delete node, because it still has relationships"),
	}
	gBlocked, err := NewNeo4jGraph(blocked, "neo4j")
	if err != nil {
		t.Fatalf("NewNeo4jGraph returned error: %v", err)
	}
	err = gBlocked.DeleteNode(ctx, model.NodeLabel, testNodeID)
	if !errors.Is(err, ErrHasRelationships) {
		t.Fatalf("expected ErrHasRelationships, got %v", err)
	}
}

// failSecondRunDriver lets the first Run succeed and fails every later one.
type failSecondRunDriver struct {
	inner    *fakeNeo4jDriver
	failWith error
	runs     int
}

func (d *failSecondRunDriver) NewSession(_ context.Context, _ Neo4jSessionConfig) (neo4jSession, error) {
	return &failSecondRunSession{driver: d}, nil
}

func (d *failSecondRunDriver) Close(ctx context.Context) error { return d.inner.Close(ctx) }

type failSecondRunSession struct {
	driver *failSecondRunDriver
}

func (s *failSecondRunSession) Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error) {
	s.driver.runs++
	if s.driver.runs > 1 {
		return nil, s.driver.failWith
	}
	inner, _ := s.driver.inner.NewSession(ctx, Neo4jSessionConfig{})
	return inner.Run(ctx, query, params)
}

func (s *failSecondRunSession) Close(_ context.Context) error { return nil }

func TestNeo4jQueryBuildsRowMaps(t *testing.T) {
	g, driver := newTestGraph(t)
	driver.rows = []map[string]any{
		{"id": "a", "anchor": "one"},
		{"id": "b", "anchor": "two"},
	}
	rows, err := g.Query(context.Background(), "MATCH (m:Memory) RETURN m.id AS id, m.anchor AS anchor", nil)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(rows) != 2 || rows[1]["anchor"] != "two" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}
