// Package search turns one query into a ranked, deduplicated, capped list of
// results drawn from the vector and graph stores. It never writes.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/memglab/memg/src/memory/embed"
	"github.com/memglab/memg/src/memory/hrid"
	"github.com/memglab/memg/src/memory/model"
	"github.com/memglab/memg/src/memory/schema"
	"github.com/memglab/memg/src/memory/store"
)

// Mode selects the candidate source.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeGraph  Mode = "graph"
	ModeHybrid Mode = "hybrid"
)

const (
	// neutralScore is assigned to graph candidates without a vector match.
	// Graph membership is itself evidence of relevance.
	neutralScore = 0.5
	// neighborDecay and neighborFloor keep neighbor scores below their seed
	// without letting them vanish from the ranking.
	neighborDecay = 0.9
	neighborFloor = 0.3
	// maxNeighborSeeds bounds how many top results get expanded.
	maxNeighborSeeds = 5
	defaultLimit     = 10
)

// DefaultRelationTypes is the neighbor-expansion whitelist applied when the
// caller supplies none. Traversing every relationship type would drag
// unrelated structural edges into results.
var DefaultRelationTypes = []string{"RELATED_TO", "HAS_DOCUMENT", "REQUIRES"}

// Options carries one search request. UserID is mandatory.
type Options struct {
	Query  string
	UserID string
	Limit  int

	// Scoping.
	MemoryType         string
	Filters            map[string]string
	ModifiedWithinDays int

	// Mode overrides auto-selection when set.
	Mode Mode

	// IncludeDetails is "self" (default, full payload) or "none" (anchor
	// only). Projection optionally prunes payloads to a per-type allow-list;
	// the anchor field always survives.
	IncludeDetails string
	Projection     map[string][]string

	// NeighborLimit > 0 enables graph neighbor expansion; RelationTypes
	// restricts the traversed predicates, defaulting to
	// DefaultRelationTypes.
	NeighborLimit int
	RelationTypes []string
}

// Engine is the read-side counterpart of the indexer.
type Engine struct {
	translator *schema.Translator
	embedder   embed.Embedder
	vectors    store.VectorIndex
	graph      store.GraphStore
	nowFn      func() time.Time
}

func New(translator *schema.Translator, embedder embed.Embedder, vectors store.VectorIndex, graph store.GraphStore) *Engine {
	return &Engine{
		translator: translator,
		embedder:   embedder,
		vectors:    vectors,
		graph:      graph,
		nowFn:      time.Now,
	}
}

// Search runs one retrieval request end to end: mode selection, candidate
// fetch, neighbor expansion, projection, deterministic ordering, cap.
func (e *Engine) Search(ctx context.Context, opts Options) ([]model.SearchResult, error) {
	if opts.UserID == "" {
		return nil, &model.ValidationError{Op: "search", Field: "user_id", Reason: "user_id is required"}
	}
	query := strings.TrimSpace(opts.Query)
	hasQuery := query != ""
	hasScope := opts.MemoryType != "" || len(opts.Filters) > 0 || opts.ModifiedWithinDays > 0
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	mode := opts.Mode
	if mode == "" {
		switch {
		case !hasQuery && !hasScope:
			// No query and no scope would mean an undirected full scan.
			return []model.SearchResult{}, nil
		case hasQuery:
			mode = ModeVector
		default:
			mode = ModeGraph
		}
	}

	filters := e.buildFilters(opts)

	var results []model.SearchResult
	switch mode {
	case ModeVector:
		var err error
		results, err = e.vectorCandidates(ctx, query, limit, filters)
		if err != nil {
			return nil, err
		}
	case ModeGraph:
		var err error
		results, err = e.graphCandidates(ctx, query, limit, filters)
		if err != nil {
			if !hasQuery {
				log.Warn("graph search failed with no query to fall back on", "err", err)
				return []model.SearchResult{}, nil
			}
			log.Warn("graph search failed, falling back to vector", "err", err)
			results, err = e.vectorCandidates(ctx, query, limit, filters)
			if err != nil {
				return nil, err
			}
		}
	case ModeHybrid:
		var err error
		results, err = e.hybridCandidates(ctx, query, hasQuery, limit, filters)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &model.ValidationError{
			Op: "search", Field: "mode", Value: string(mode),
			Allowed: []string{string(ModeVector), string(ModeGraph), string(ModeHybrid)},
			Reason:  "unknown search mode",
		}
	}

	if opts.NeighborLimit > 0 {
		results = e.expandNeighbors(ctx, results, opts)
	}
	e.project(results, opts)
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) buildFilters(opts Options) store.Filters {
	f := store.Filters{
		UserID:     opts.UserID,
		MemoryType: strings.ToLower(strings.TrimSpace(opts.MemoryType)),
	}
	if opts.ModifiedWithinDays > 0 {
		f.Since = e.nowFn().UTC().AddDate(0, 0, -opts.ModifiedWithinDays)
	}
	if len(opts.Filters) > 0 {
		f.Equals = make(map[string]string, len(opts.Filters))
		for key, value := range opts.Filters {
			if !strings.Contains(key, ".") {
				key = "entity." + key
			}
			f.Equals[key] = value
		}
	}
	return f
}

// vectorCandidates embeds the query and runs a filtered similarity search.
// An empty query yields no candidates; there is nothing to embed.
func (e *Engine) vectorCandidates(ctx context.Context, query string, limit int, f store.Filters) ([]model.SearchResult, error) {
	if query == "" {
		return []model.SearchResult{}, nil
	}
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &model.ProcessingError{Op: "search", Reason: "query embedding failed", Err: err}
	}
	points, err := e.vectors.Search(ctx, vector, limit, f)
	if err != nil {
		return nil, err
	}
	results := make([]model.SearchResult, 0, len(points))
	for _, p := range points {
		mem := model.FromVectorPayload(p.ID, p.Payload)
		results = append(results, model.SearchResult{
			Memory: mem,
			Score:  p.Score,
			Source: model.SourceVector,
		})
	}
	return results, nil
}

// graphCandidates fetches scoped graph nodes, most recently updated first.
// With a query present the candidates are reranked against one similarity
// search; candidates absent from the vector hits keep the neutral score
// instead of being dropped.
func (e *Engine) graphCandidates(ctx context.Context, query string, limit int, f store.Filters) ([]model.SearchResult, error) {
	rows, err := e.graph.Candidates(ctx, model.NodeLabel, f, limit)
	if err != nil {
		return nil, err
	}
	results := make([]model.SearchResult, 0, len(rows))
	for _, row := range rows {
		mem := e.memoryFromRow(row)
		results = append(results, model.SearchResult{
			Memory: mem,
			Score:  neutralScore,
			Source: model.SourceGraph,
		})
	}
	if query == "" || len(results) == 0 {
		return results, nil
	}

	scores := e.rerankScores(ctx, query, limit, f)
	for i := range results {
		results[i].Source = model.SourceGraphRerank
		if s, ok := scores[results[i].Memory.ID]; ok {
			results[i].Score = s
		}
	}
	return results, nil
}

// rerankScores joins one similarity search back onto graph candidates by id.
// A rerank failure degrades to neutral scoring rather than failing the search.
func (e *Engine) rerankScores(ctx context.Context, query string, limit int, f store.Filters) map[string]float64 {
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn("rerank embedding failed, keeping neutral scores", "err", err)
		return nil
	}
	points, err := e.vectors.Search(ctx, vector, limit, f)
	if err != nil {
		log.Warn("rerank similarity search failed, keeping neutral scores", "err", err)
		return nil
	}
	scores := make(map[string]float64, len(points))
	for _, p := range points {
		scores[p.ID] = p.Score
	}
	return scores
}

// hybridCandidates merges independent graph and vector candidate sets by
// memory id. The vector score wins only when it beats the neutral score.
func (e *Engine) hybridCandidates(ctx context.Context, query string, hasQuery bool, limit int, f store.Filters) ([]model.SearchResult, error) {
	graphResults, gerr := e.graphCandidates(ctx, "", limit, f)
	if gerr != nil {
		if !hasQuery {
			log.Warn("graph candidates failed with no query to fall back on", "err", gerr)
			return []model.SearchResult{}, nil
		}
		log.Warn("graph candidates failed, falling back to vector", "err", gerr)
		return e.vectorCandidates(ctx, query, limit, f)
	}
	if !hasQuery {
		return graphResults, nil
	}
	vectorResults, err := e.vectorCandidates(ctx, query, limit, f)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(graphResults))
	merged := append([]model.SearchResult(nil), graphResults...)
	for i, r := range merged {
		byID[r.Memory.ID] = i
	}
	for _, vr := range vectorResults {
		i, seen := byID[vr.Memory.ID]
		if !seen {
			byID[vr.Memory.ID] = len(merged)
			merged = append(merged, vr)
			continue
		}
		if vr.Score > neutralScore {
			merged[i] = vr
		}
	}
	return merged, nil
}

// expandNeighbors pulls graph-adjacent memories for the top seeds. Neighbors
// are context breadcrumbs: anchor-only payloads, scores strictly below their
// seed, never allowed to displace a seed on id collision unless they score
// higher.
func (e *Engine) expandNeighbors(ctx context.Context, seeds []model.SearchResult, opts Options) []model.SearchResult {
	relTypes := opts.RelationTypes
	if len(relTypes) == 0 {
		relTypes = DefaultRelationTypes
	}
	seedCount := len(seeds)
	if seedCount > maxNeighborSeeds {
		seedCount = maxNeighborSeeds
	}

	byID := make(map[string]int, len(seeds))
	merged := append([]model.SearchResult(nil), seeds...)
	for i, r := range merged {
		byID[r.Memory.ID] = i
	}
	for _, seed := range seeds[:seedCount] {
		rows, err := e.graph.Neighbors(ctx, model.NodeLabel, seed.Memory.ID, relTypes, "any", opts.NeighborLimit, model.NodeLabel)
		if err != nil {
			log.Warn("neighbor expansion failed for seed", "id", seed.Memory.ID, "err", err)
			continue
		}
		score := seed.Score * neighborDecay
		if score < neighborFloor {
			score = neighborFloor
		}
		for _, row := range rows {
			mem := e.memoryFromRow(row)
			if mem.ID == "" || mem.UserID != opts.UserID {
				continue
			}
			neighbor := model.SearchResult{
				Memory: mem,
				Score:  score,
				Source: model.SourceGraphNeighbor,
				Metadata: map[string]any{
					"seed_id":  seed.Memory.ID,
					"rel_type": model.StringFromAny(row["rel_type"]),
				},
			}
			if i, seen := byID[mem.ID]; seen {
				if neighbor.Score > merged[i].Score {
					merged[i] = neighbor
				}
				continue
			}
			byID[mem.ID] = len(merged)
			merged = append(merged, neighbor)
		}
	}
	return merged
}

// project applies the include_details policy and per-type allow-lists. The
// anchor field always survives projection; stripping it would leave a result
// that cannot even say what it is about.
func (e *Engine) project(results []model.SearchResult, opts Options) {
	details := opts.IncludeDetails
	if details == "" {
		details = "self"
	}
	for i := range results {
		mem := &results[i].Memory
		anchorField, err := e.translator.AnchorField(mem.MemoryType)
		if err != nil {
			anchorField = ""
		}
		if details == "none" {
			payload := map[string]any{}
			if anchorField != "" {
				if v, ok := mem.Payload[anchorField]; ok {
					payload[anchorField] = v
				}
			}
			mem.Payload = payload
			continue
		}
		allowed, ok := opts.Projection[mem.MemoryType]
		if !ok {
			continue
		}
		payload := map[string]any{}
		for _, key := range allowed {
			if v, present := mem.Payload[key]; present {
				payload[key] = v
			}
		}
		if anchorField != "" {
			if v, present := mem.Payload[anchorField]; present {
				payload[anchorField] = v
			}
		}
		mem.Payload = payload
	}
}

func (e *Engine) memoryFromRow(row map[string]any) model.Memory {
	memType := model.StringFromAny(row["memory_type"])
	anchorField, err := e.translator.AnchorField(memType)
	if err != nil {
		anchorField = ""
	}
	return model.FromGraphRow(row, anchorField)
}

// sortResults orders results reproducibly: score descending, then HRID
// ordering index ascending with missing HRIDs last, then raw id ascending.
func sortResults(results []model.SearchResult) {
	type key struct {
		idx    int64
		hasIdx bool
	}
	keys := make(map[string]key, len(results))
	for _, r := range results {
		if r.Memory.HRID == "" {
			continue
		}
		if idx, err := hrid.ToIndex(r.Memory.HRID); err == nil {
			keys[r.Memory.ID] = key{idx: idx, hasIdx: true}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ka, kb := keys[a.Memory.ID], keys[b.Memory.ID]
		if ka.hasIdx != kb.hasIdx {
			return ka.hasIdx
		}
		if ka.hasIdx && ka.idx != kb.idx {
			return ka.idx < kb.idx
		}
		return a.Memory.ID < b.Memory.ID
	})
}
