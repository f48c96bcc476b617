package search

import (
	"context"
	"errors"
	"testing"

	"github.com/memglab/memg/src/memory/embed"
	"github.com/memglab/memg/src/memory/index"
	"github.com/memglab/memg/src/memory/model"
	"github.com/memglab/memg/src/memory/schema"
	"github.com/memglab/memg/src/memory/store"
)

const testRegistry = `
entities:
  note:
    anchor: statement
    fields:
      statement:
        type: string
        required: true
      project:
        type: string
  context:
    anchor: statement
    fields:
      statement:
        type: string
        required: true
relations:
  - RELATED_TO
`

type fixture struct {
	translator *schema.Translator
	vectors    *store.MemoryIndex
	graph      *store.MemoryGraph
	indexer    *index.Indexer
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr, err := schema.Parse([]byte(testRegistry), "test.yaml")
	if err != nil {
		t.Fatalf("schema parse failed: %v", err)
	}
	vectors := store.NewMemoryIndex()
	graph := store.NewMemoryGraph().WithPredicateRegistry(tr.ValidRelation)
	return &fixture{
		translator: tr,
		vectors:    vectors,
		graph:      graph,
		indexer:    index.New(tr, embed.Dummy{}, vectors, graph),
		engine:     New(tr, embed.Dummy{}, vectors, graph),
	}
}

func (f *fixture) addNote(t *testing.T, userID, statement string, extra map[string]any) *model.Memory {
	t.Helper()
	return f.addMemory(t, "note", userID, statement, extra)
}

func (f *fixture) addMemory(t *testing.T, memType, userID, statement string, extra map[string]any) *model.Memory {
	t.Helper()
	payload := map[string]any{"statement": statement}
	for k, v := range extra {
		payload[k] = v
	}
	mem, err := f.translator.NewMemory(memType, payload, userID)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	if _, err := f.indexer.Index(context.Background(), mem); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	return mem
}

func TestSearchRequiresUserID(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Search(context.Background(), Options{Query: "anything"})
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSearchWithoutQueryOrScopeReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "something stored", nil)

	results, err := f.engine.Search(context.Background(), Options{UserID: "u1"})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("undirected search must return nothing, got %d results", len(results))
	}
}

func TestVectorSearchRanksExactMatchFirst(t *testing.T) {
	f := newFixture(t)
	target := f.addNote(t, "u1", "alpha beta gamma", nil)
	f.addNote(t, "u1", "something else entirely", nil)
	f.addNote(t, "u2", "alpha beta gamma", nil)

	results, err := f.engine.Search(context.Background(), Options{Query: "alpha beta gamma", UserID: "u1"})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected u1's two notes, got %d", len(results))
	}
	if results[0].Memory.ID != target.ID {
		t.Fatalf("exact match must rank first: %#v", results[0].Memory)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("scores must rank the exact match above the rest: %v vs %v", results[0].Score, results[1].Score)
	}
	if results[0].Source != model.SourceVector {
		t.Fatalf("expected vector source, got %s", results[0].Source)
	}
}

func TestScopeOnlySearchUsesGraph(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "scoped one", nil)
	f.addNote(t, "u1", "scoped two", nil)

	results, err := f.engine.Search(context.Background(), Options{UserID: "u1", MemoryType: "note"})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 graph candidates, got %d", len(results))
	}
	for _, r := range results {
		if r.Source != model.SourceGraph {
			t.Fatalf("scope-only search must come from the graph, got %s", r.Source)
		}
		if r.Score != 0.5 {
			t.Fatalf("graph candidates carry the neutral score, got %v", r.Score)
		}
	}
}

type failCandidatesGraph struct {
	*store.MemoryGraph
}

func (failCandidatesGraph) Candidates(context.Context, string, store.Filters, int) ([]map[string]any, error) {
	return nil, errors.New("graph down")
}

func TestGraphFailureFallsBackToVector(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "alpha beta gamma", nil)
	engine := New(f.translator, embed.Dummy{}, f.vectors, failCandidatesGraph{MemoryGraph: f.graph})

	results, err := engine.Search(context.Background(), Options{Query: "alpha beta gamma", UserID: "u1", Mode: ModeGraph})
	if err != nil {
		t.Fatalf("fallback must not surface the graph error, got %v", err)
	}
	if len(results) != 1 || results[0].Source != model.SourceVector {
		t.Fatalf("expected vector fallback results: %#v", results)
	}
}

func TestGraphFailureWithoutQueryReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "unreachable", nil)
	engine := New(f.translator, embed.Dummy{}, f.vectors, failCandidatesGraph{MemoryGraph: f.graph})

	results, err := engine.Search(context.Background(), Options{UserID: "u1", MemoryType: "note", Mode: ModeGraph})
	if err != nil {
		t.Fatalf("no-query graph failure degrades to empty, got error %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestGraphRerankLiftsVectorMatches(t *testing.T) {
	f := newFixture(t)
	target := f.addNote(t, "u1", "alpha beta gamma", nil)
	f.addNote(t, "u1", "unrelated filler", nil)

	results, err := f.engine.Search(context.Background(), Options{
		Query: "alpha beta gamma", UserID: "u1", MemoryType: "note", Mode: ModeGraph,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Memory.ID != target.ID {
		t.Fatalf("reranked exact match must lead: %#v", results[0].Memory)
	}
	if results[0].Source != model.SourceGraphRerank {
		t.Fatalf("expected graph_rerank source, got %s", results[0].Source)
	}
	if results[0].Score <= 0.5 {
		t.Fatalf("vector-matched candidate must beat the neutral score, got %v", results[0].Score)
	}
}

func TestHybridMergesBothSources(t *testing.T) {
	f := newFixture(t)
	target := f.addNote(t, "u1", "alpha beta gamma", nil)
	f.addNote(t, "u1", "graph only context", nil)

	results, err := f.engine.Search(context.Background(), Options{
		Query: "alpha beta gamma", UserID: "u1", MemoryType: "note", Mode: ModeHybrid,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("hybrid must union both candidate sets, got %d", len(results))
	}
	if results[0].Memory.ID != target.ID || results[0].Source != model.SourceVector {
		t.Fatalf("strong vector score must win the merge: %#v", results[0])
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("exact match must outrank the graph-only candidate: %v vs %v", results[0].Score, results[1].Score)
	}
}

func TestNeighborExpansion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := f.addNote(t, "u1", "alpha beta gamma", nil)
	// The neighbor is a different type, so the note-scoped vector search can
	// only reach it through graph expansion.
	neighbor := f.addMemory(t, "context", "u1", "totally different wording", nil)
	if err := f.indexer.Link(ctx, seed.HRID, neighbor.HRID, "RELATED_TO", "u1"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	// A foreign node wired straight into the graph must never leak into
	// another user's expansion.
	foreign := f.addMemory(t, "context", "u2", "foreign context", nil)
	if err := f.graph.AddRelationship(ctx, model.NodeLabel, model.NodeLabel, "RELATED_TO", seed.ID, foreign.ID, nil); err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}

	results, err := f.engine.Search(ctx, Options{
		Query: "alpha beta gamma", UserID: "u1", MemoryType: "note",
		Limit: 10, NeighborLimit: 5,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}

	var seedResult, neighborResult *model.SearchResult
	for i := range results {
		switch results[i].Memory.ID {
		case seed.ID:
			seedResult = &results[i]
		case neighbor.ID:
			neighborResult = &results[i]
		case foreign.ID:
			t.Fatalf("foreign user's memory leaked into results: %#v", results[i])
		}
	}
	if seedResult == nil || neighborResult == nil {
		t.Fatalf("expected seed and neighbor in results: %#v", results)
	}
	if neighborResult.Source != model.SourceGraphNeighbor {
		t.Fatalf("expected graph_neighbor source, got %s", neighborResult.Source)
	}
	if neighborResult.Score >= seedResult.Score {
		t.Fatalf("neighbor must score strictly below its seed: %v vs %v", neighborResult.Score, seedResult.Score)
	}
	if neighborResult.Score < 0.3 {
		t.Fatalf("neighbor score must not drop below the floor: %v", neighborResult.Score)
	}
	if neighborResult.Metadata["seed_id"] != seed.ID {
		t.Fatalf("neighbor must name its seed: %#v", neighborResult.Metadata)
	}
	if neighborResult.Metadata["rel_type"] != "RELATED_TO" {
		t.Fatalf("neighbor must name the traversed relation: %#v", neighborResult.Metadata)
	}
	// Neighbors come from the graph mirror: anchor only, no full payload.
	if got := model.StringFromAny(neighborResult.Memory.Payload["statement"]); got != "totally different wording" {
		t.Fatalf("neighbor payload must carry the anchor: %#v", neighborResult.Memory.Payload)
	}
}

func TestNeighborLimitCapsPerSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := f.addNote(t, "u1", "alpha beta gamma", nil)
	for _, s := range []string{"context one", "context two", "context three"} {
		n := f.addMemory(t, "context", "u1", s, nil)
		if err := f.indexer.Link(ctx, seed.HRID, n.HRID, "RELATED_TO", "u1"); err != nil {
			t.Fatalf("Link failed: %v", err)
		}
	}

	results, err := f.engine.Search(ctx, Options{
		Query: "alpha beta gamma", UserID: "u1", MemoryType: "note",
		NeighborLimit: 2,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	var neighbors int
	for _, r := range results {
		if r.Source == model.SourceGraphNeighbor {
			neighbors++
		}
	}
	if neighbors != 2 {
		t.Fatalf("a seed may contribute at most NeighborLimit neighbors, got %d", neighbors)
	}
}

func TestNeighborExpansionStopsAfterTopFiveSeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.addNote(t, "u1", "alpha beta gamma", nil)
	}
	// A sixth, weaker seed carries the only link in the graph.
	weak := f.addNote(t, "u1", "completely unrelated text", nil)
	linked := f.addMemory(t, "context", "u1", "reachable only through the weak seed", nil)
	if err := f.indexer.Link(ctx, weak.HRID, linked.HRID, "RELATED_TO", "u1"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	results, err := f.engine.Search(ctx, Options{
		Query: "alpha beta gamma", UserID: "u1", MemoryType: "note",
		Limit: 10, NeighborLimit: 5,
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	var sawWeak bool
	for _, r := range results {
		if r.Memory.ID == linked.ID {
			t.Fatalf("only the top five seeds expand, yet a sixth-seed neighbor surfaced: %#v", r)
		}
		if r.Memory.ID == weak.ID {
			sawWeak = true
		}
	}
	if !sawWeak {
		t.Fatalf("the weak seed itself must still be a result: %#v", results)
	}
}

func TestIncludeDetailsNoneKeepsAnchorOnly(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "anchored statement", map[string]any{"project": "memg"})

	results, err := f.engine.Search(context.Background(), Options{
		Query: "anchored statement", UserID: "u1", IncludeDetails: "none",
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	payload := results[0].Memory.Payload
	if len(payload) != 1 || model.StringFromAny(payload["statement"]) != "anchored statement" {
		t.Fatalf("include_details=none must keep exactly the anchor: %#v", payload)
	}
}

func TestProjectionAllowListPreservesAnchor(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "projected", map[string]any{"project": "memg"})

	results, err := f.engine.Search(context.Background(), Options{
		Query:      "projected",
		UserID:     "u1",
		Projection: map[string][]string{"note": {"project"}},
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	payload := results[0].Memory.Payload
	if model.StringFromAny(payload["project"]) != "memg" {
		t.Fatalf("allow-listed field must survive: %#v", payload)
	}
	if model.StringFromAny(payload["statement"]) != "projected" {
		t.Fatalf("anchor always survives projection: %#v", payload)
	}
	if len(payload) != 2 {
		t.Fatalf("everything else must be pruned: %#v", payload)
	}
}

func TestEntityFilterScopesResults(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "alpha beta gamma", map[string]any{"project": "memg"})
	f.addNote(t, "u1", "alpha beta gamma", map[string]any{"project": "other"})

	results, err := f.engine.Search(context.Background(), Options{
		Query:   "alpha beta gamma",
		UserID:  "u1",
		Filters: map[string]string{"project": "memg"},
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("entity filter must scope results, got %d", len(results))
	}
	if model.StringFromAny(results[0].Memory.Payload["project"]) != "memg" {
		t.Fatalf("wrong memory survived filtering: %#v", results[0].Memory)
	}
}

func TestLimitCapsAfterMerge(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"one fish", "two fish", "red fish", "blue fish"} {
		f.addNote(t, "u1", s, nil)
	}

	results, err := f.engine.Search(context.Background(), Options{Query: "fish", UserID: "u1", Limit: 2})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("limit must cap the final list, got %d", len(results))
	}
}

func TestUnknownModeRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Search(context.Background(), Options{Query: "x", UserID: "u1", Mode: Mode("psychic")})
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for unknown mode, got %v", err)
	}
	if len(ve.Allowed) != 3 {
		t.Fatalf("error must list the known modes: %#v", ve.Allowed)
	}
}

func TestSortResultsIsDeterministic(t *testing.T) {
	mk := func(id, hridStr string, score float64) model.SearchResult {
		return model.SearchResult{Memory: model.Memory{ID: id, HRID: hridStr}, Score: score}
	}
	results := []model.SearchResult{
		mk("d", "", 0.5),
		mk("e", "TASK_AAA050", 0.5),
		mk("b", "NOTE_AAA001", 0.5),
		mk("f", "NOTE_AAA100", 0.5),
		mk("a", "NOTE_AAA000", 0.5),
		mk("c", "NOTE_AAA002", 0.9),
	}
	sortResults(results)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	// Equal scores order by the HRID index: all NOTEs precede TASKs whatever
	// the counters say, and missing HRIDs sort last.
	want := []string{"c", "a", "b", "f", "e", "d"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, ids, want)
		}
	}
}
