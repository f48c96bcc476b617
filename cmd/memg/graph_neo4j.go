//go:build neo4j

package main

import (
	"context"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memglab/memg/src/memory/config"
	"github.com/memglab/memg/src/memory/store"
)

// newGraph builds the graph back-end over the official Neo4j driver.
func newGraph(cfg *config.Config, validRelation func(string) bool) (store.GraphStore, func(), error) {
	if cfg.GraphBackend != config.GraphBackendNeo4j {
		return store.NewMemoryGraph().WithPredicateRegistry(validRelation), func() {}, nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, func() {}, err
	}
	graph, err := store.NewNeo4jGraph(store.WrapNeo4jDriver(driver), cfg.Neo4jDatabase)
	if err != nil {
		_ = driver.Close(context.Background())
		return nil, func() {}, err
	}
	graph = graph.WithPredicateRegistry(validRelation)
	cleanup := func() { _ = driver.Close(context.Background()) }
	return graph, cleanup, nil
}
