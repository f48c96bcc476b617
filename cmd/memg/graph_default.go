//go:build !neo4j

package main

import (
	"github.com/charmbracelet/log"

	"github.com/memglab/memg/src/memory/config"
	"github.com/memglab/memg/src/memory/store"
)

// newGraph builds the graph back-end. Without the neo4j build tag the
// official driver is unavailable, so a configured neo4j backend degrades to
// the in-process graph with a warning.
func newGraph(cfg *config.Config, validRelation func(string) bool) (store.GraphStore, func(), error) {
	if cfg.GraphBackend == config.GraphBackendNeo4j {
		log.Warn("neo4j backend requires building with -tags neo4j; using the in-process graph")
	}
	return store.NewMemoryGraph().WithPredicateRegistry(validRelation), func() {}, nil
}
