// Package memory re-exports the public surface of the memory system under a
// single import path.
package memory

import (
	configpkg "github.com/memglab/memg/src/memory/config"
	embedpkg "github.com/memglab/memg/src/memory/embed"
	hridpkg "github.com/memglab/memg/src/memory/hrid"
	indexpkg "github.com/memglab/memg/src/memory/index"
	"github.com/memglab/memg/src/memory/model"
	schemapkg "github.com/memglab/memg/src/memory/schema"
	searchpkg "github.com/memglab/memg/src/memory/search"
	storepkg "github.com/memglab/memg/src/memory/store"
)

// Type aliases forming the public API.
type (
	Memory       = model.Memory
	SearchResult = model.SearchResult
	MemoryPoint  = model.MemoryPoint

	ValidationError = model.ValidationError
	SchemaError     = model.SchemaError
	ProcessingError = model.ProcessingError
	StoreError      = model.StoreError

	Config = configpkg.Config

	Translator = schemapkg.Translator
	EntitySpec = schemapkg.EntitySpec
	FieldSpec  = schemapkg.FieldSpec

	Allocator = hridpkg.Allocator

	Embedder      = embedpkg.Embedder
	DummyEmbedder = embedpkg.Dummy

	VectorIndex = storepkg.VectorIndex
	GraphStore  = storepkg.GraphStore
	Point       = storepkg.Point
	Filters     = storepkg.Filters

	MemoryIndex   = storepkg.MemoryIndex
	MemoryGraph   = storepkg.MemoryGraph
	QdrantIndex   = storepkg.QdrantIndex
	PostgresIndex = storepkg.PostgresIndex
	MongoIndex    = storepkg.MongoIndex
	Neo4jGraph    = storepkg.Neo4jGraph

	Indexer = indexpkg.Indexer

	Engine        = searchpkg.Engine
	SearchOptions = searchpkg.Options
	SearchMode    = searchpkg.Mode
)

const (
	ModeVector = searchpkg.ModeVector
	ModeGraph  = searchpkg.ModeGraph
	ModeHybrid = searchpkg.ModeHybrid

	SourceVector        = model.SourceVector
	SourceGraph         = model.SourceGraph
	SourceGraphRerank   = model.SourceGraphRerank
	SourceGraphNeighbor = model.SourceGraphNeighbor

	NodeLabel = model.NodeLabel
)

var (
	ErrNotFound      = indexpkg.ErrNotFound
	ErrHRIDExhausted = hridpkg.ErrExhausted
	ErrNotSupported  = embedpkg.ErrNotSupported

	LoadConfig = configpkg.Load

	LoadSchema  = schemapkg.Load
	ParseSchema = schemapkg.Parse

	NewAllocator = hridpkg.NewAllocator
	FormatHRID   = hridpkg.Format
	ParseHRID    = hridpkg.Parse
	HRIDToIndex  = hridpkg.ToIndex

	AutoEmbedder      = embedpkg.Auto
	DummyEmbedding    = embedpkg.DummyEmbedding
	NewOpenAIEmbedder = embedpkg.NewOpenAIEmbedder
	NewOllamaEmbedder = embedpkg.NewOllamaEmbedder
	NewVertexEmbedder = embedpkg.NewVertexEmbedder
	NewVoyageEmbedder = embedpkg.NewVoyageEmbedder

	NewMemoryIndex   = storepkg.NewMemoryIndex
	NewMemoryGraph   = storepkg.NewMemoryGraph
	NewQdrantIndex   = storepkg.NewQdrantIndex
	NewPostgresIndex = storepkg.NewPostgresIndex
	NewMongoIndex    = storepkg.NewMongoIndex
	NewNeo4jGraph    = storepkg.NewNeo4jGraph

	NewIndexer = indexpkg.New
	NewEngine  = searchpkg.New

	DefaultRelationTypes = searchpkg.DefaultRelationTypes
)
