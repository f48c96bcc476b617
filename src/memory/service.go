package memory

import (
	"context"
	"errors"
	"strings"

	configpkg "github.com/memglab/memg/src/memory/config"
	embedpkg "github.com/memglab/memg/src/memory/embed"
	hridpkg "github.com/memglab/memg/src/memory/hrid"
	indexpkg "github.com/memglab/memg/src/memory/index"
	"github.com/memglab/memg/src/memory/model"
	schemapkg "github.com/memglab/memg/src/memory/schema"
	searchpkg "github.com/memglab/memg/src/memory/search"
	storepkg "github.com/memglab/memg/src/memory/store"
)

// summaryCap bounds the auto-derived statement of a document without an
// explicit summary.
const summaryCap = 200

// Service is the public face of the memory system: typed add operations,
// search, HRID-addressed get and delete. All collaborators are injected; the
// service holds no global state.
type Service struct {
	cfg        *configpkg.Config
	translator *schemapkg.Translator
	vectors    storepkg.VectorIndex
	graph      storepkg.GraphStore
	indexer    *indexpkg.Indexer
	engine     *searchpkg.Engine
}

// NewService wires the indexer and search engine over the given stores.
func NewService(cfg *configpkg.Config, translator *schemapkg.Translator, embedder embedpkg.Embedder, vectors storepkg.VectorIndex, graph storepkg.GraphStore) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if translator == nil {
		return nil, errors.New("schema translator is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if vectors == nil || graph == nil {
		return nil, errors.New("vector and graph stores are required")
	}
	return &Service{
		cfg:        cfg,
		translator: translator,
		vectors:    vectors,
		graph:      graph,
		indexer:    indexpkg.New(translator, embedder, vectors, graph),
		engine:     searchpkg.New(translator, embedder, vectors, graph),
	}, nil
}

// Bootstrap prepares graph constraints and indexes. Idempotent; the vector
// collection is created lazily on first write because its dimension comes
// from the embedder.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.graph.EnsureSchema(ctx)
}

// AddMemory validates a payload against the schema for memoryType and
// persists it. Returns the stored memory, HRID and id filled in.
func (s *Service) AddMemory(ctx context.Context, memoryType string, payload map[string]any, userID string, tags []string) (*model.Memory, error) {
	mem, err := s.translator.NewMemory(memoryType, payload, userID)
	if err != nil {
		return nil, err
	}
	mem.MergeTags(tags)
	if _, err := s.indexer.Index(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// AddNote stores a plain statement memory.
func (s *Service) AddNote(ctx context.Context, statement, userID string, tags ...string) (*model.Memory, error) {
	return s.AddMemory(ctx, "note", map[string]any{"statement": statement}, userID, tags)
}

// AddDocument stores a long-form memory. The anchor statement is the given
// summary, or the leading text when no summary is supplied.
func (s *Service) AddDocument(ctx context.Context, text, summary, userID string, tags ...string) (*model.Memory, error) {
	statement := strings.TrimSpace(summary)
	if statement == "" {
		statement = model.TruncateRunes(strings.TrimSpace(text), summaryCap)
	}
	payload := map[string]any{
		"statement": statement,
		"details":   text,
	}
	return s.AddMemory(ctx, "document", payload, userID, tags)
}

// AddTask stores a task memory. Status defaults to OPEN via the schema.
func (s *Service) AddTask(ctx context.Context, statement, userID string, tags ...string) (*model.Memory, error) {
	return s.AddMemory(ctx, "task", map[string]any{"statement": statement}, userID, tags)
}

// Link records a schema-declared relationship between two owned memories,
// addressed by HRID or id.
func (s *Service) Link(ctx context.Context, fromRef, toRef, relation, userID string) error {
	return s.indexer.Link(ctx, fromRef, toRef, relation, userID)
}

// Search runs one retrieval request. The user id in opts is mandatory.
// Neighbor expansion is on by default; callers opt out through config.
func (s *Service) Search(ctx context.Context, opts searchpkg.Options) ([]model.SearchResult, error) {
	if opts.Limit <= 0 && s.cfg.SearchLimit > 0 {
		opts.Limit = s.cfg.SearchLimit
	}
	if opts.NeighborLimit <= 0 && s.cfg.NeighborLimit > 0 {
		opts.NeighborLimit = s.cfg.NeighborLimit
	}
	return s.engine.Search(ctx, opts)
}

// Get fetches one owned memory by HRID.
func (s *Service) Get(ctx context.Context, hrid, userID string) (*model.Memory, error) {
	if err := requireHRID(hrid); err != nil {
		return nil, err
	}
	return s.indexer.Get(ctx, hrid, userID)
}

// Delete removes one owned memory from both stores. The external contract is
// HRID-only: raw point ids are an internal detail callers never need.
func (s *Service) Delete(ctx context.Context, hrid, userID string) error {
	if err := requireHRID(hrid); err != nil {
		return err
	}
	return s.indexer.Delete(ctx, hrid, userID)
}

func requireHRID(ref string) error {
	if _, _, _, err := hridpkg.Parse(strings.ToUpper(strings.TrimSpace(ref))); err != nil {
		return &model.ValidationError{
			Op: "service", Field: "hrid", Value: ref,
			Reason: "expected an HRID like NOTE_AAA001",
		}
	}
	return nil
}
