// Command memg is a local demo of the memory system: it loads the entity
// schema, stores a few memories, links them, and runs searches against the
// configured back-ends. It is not a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	memory "github.com/memglab/memg/src/memory"
	"github.com/memglab/memg/src/memory/config"
	"github.com/memglab/memg/src/memory/search"
	"github.com/memglab/memg/src/memory/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Optional YAML config file; MEMG_* env vars override it")
		userID     = flag.String("user", "demo", "User id owning the demo memories")
		query      = flag.String("query", "debug the allocator", "Search query to run after seeding")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", "err", err)
	}
	translator, err := memory.LoadSchema(cfg.SchemaPath)
	if err != nil {
		log.Fatal("schema load failed", "path", cfg.SchemaPath, "err", err)
	}

	ctx := context.Background()
	vectors, vcleanup, err := newVectorIndex(ctx, cfg)
	if err != nil {
		log.Fatal("vector store setup failed", "err", err)
	}
	defer vcleanup()
	graph, gcleanup, err := newGraph(cfg, translator.ValidRelation)
	if err != nil {
		log.Fatal("graph store setup failed", "err", err)
	}
	defer gcleanup()

	embedder := memory.AutoEmbedder(cfg.EmbedProvider, cfg.EmbedModel)
	svc, err := memory.NewService(cfg, translator, embedder, vectors, graph)
	if err != nil {
		log.Fatal("service setup failed", "err", err)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		log.Fatal("graph bootstrap failed", "err", err)
	}

	note, err := svc.AddNote(ctx, "The HRID allocator recovers its counter from the vector store on restart.", *userID, "allocator")
	if err != nil {
		log.Fatal("add note failed", "err", err)
	}
	doc, err := svc.AddDocument(ctx,
		"Restart recovery queries the highest issued HRID per type and resumes one past it. "+
			"A failed lookup degrades to a fresh AAA000 start instead of crashing allocation.",
		"HRID restart recovery design", *userID, "allocator", "design")
	if err != nil {
		log.Fatal("add document failed", "err", err)
	}
	task, err := svc.AddTask(ctx, "Verify allocator recovery against a seeded store.", *userID)
	if err != nil {
		log.Fatal("add task failed", "err", err)
	}
	if err := svc.Link(ctx, note.HRID, doc.HRID, "HAS_DOCUMENT", *userID); err != nil {
		log.Fatal("link failed", "err", err)
	}
	if err := svc.Link(ctx, task.HRID, note.HRID, "RELATED_TO", *userID); err != nil {
		log.Fatal("link failed", "err", err)
	}
	log.Info("seeded", "note", note.HRID, "document", doc.HRID, "task", task.HRID)

	results, err := svc.Search(ctx, search.Options{
		Query:         *query,
		UserID:        *userID,
		NeighborLimit: 3,
	})
	if err != nil {
		log.Fatal("search failed", "err", err)
	}
	printResults("vector + neighbors", results)

	results, err = svc.Search(ctx, search.Options{
		UserID:     *userID,
		MemoryType: "task",
	})
	if err != nil {
		log.Fatal("scoped search failed", "err", err)
	}
	printResults("graph scope: tasks", results)
}

func newVectorIndex(ctx context.Context, cfg *config.Config) (store.VectorIndex, func(), error) {
	cleanup := func() {}
	switch cfg.VectorBackend {
	case config.VectorBackendQdrant:
		return store.NewQdrantIndex(cfg.QdrantURL, cfg.QdrantCollection, cfg.QdrantAPIKey), cleanup, nil
	case config.VectorBackendPostgres:
		pg, err := store.NewPostgresIndex(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case config.VectorBackendMongo:
		mg, err := store.NewMongoIndex(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, cleanup, err
		}
		return mg, func() { _ = mg.Close(ctx) }, nil
	default:
		return store.NewMemoryIndex(), cleanup, nil
	}
}

func printResults(title string, results []memory.SearchResult) {
	fmt.Fprintf(os.Stdout, "\n== %s ==\n", title)
	for _, r := range results {
		fmt.Fprintf(os.Stdout, "%-14s %.3f %-16s %s\n",
			r.Memory.HRID, r.Score, r.Source, anchorOf(r))
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stdout, "(no results)")
	}
}

func anchorOf(r memory.SearchResult) string {
	if v, ok := r.Memory.Payload["statement"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
