// Package config loads runtime settings from an optional YAML file plus
// MEMG_-prefixed environment variables, environment winning.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted for the vector side.
const (
	VectorBackendQdrant   = "qdrant"
	VectorBackendPostgres = "postgres"
	VectorBackendMongo    = "mongo"
	VectorBackendMemory   = "memory"
)

// Backend names accepted for the graph side.
const (
	GraphBackendNeo4j  = "neo4j"
	GraphBackendMemory = "memory"
)

// Config is the full runtime configuration.
type Config struct {
	SchemaPath string `mapstructure:"schema_path"`

	VectorBackend string `mapstructure:"vector_backend"`
	GraphBackend  string `mapstructure:"graph_backend"`

	QdrantURL        string `mapstructure:"qdrant_url"`
	QdrantCollection string `mapstructure:"qdrant_collection"`
	QdrantAPIKey     string `mapstructure:"qdrant_api_key"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	MongoURI        string `mapstructure:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection"`

	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`

	EmbedProvider string `mapstructure:"embed_provider"`
	EmbedModel    string `mapstructure:"embed_model"`

	SearchLimit   int `mapstructure:"search_limit"`
	NeighborLimit int `mapstructure:"neighbor_limit"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEMG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("schema_path", "schemas/core.yaml")
	v.SetDefault("vector_backend", VectorBackendMemory)
	v.SetDefault("graph_backend", GraphBackendMemory)
	v.SetDefault("qdrant_url", "http://localhost:6333")
	v.SetDefault("qdrant_collection", "memg")
	v.SetDefault("mongo_database", "memg")
	v.SetDefault("mongo_collection", "points")
	v.SetDefault("neo4j_uri", "bolt://localhost:7687")
	v.SetDefault("neo4j_user", "neo4j")
	v.SetDefault("neo4j_database", "neo4j")
	v.SetDefault("embed_provider", "")
	v.SetDefault("embed_model", "")
	v.SetDefault("search_limit", 10)
	v.SetDefault("neighbor_limit", 5)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.VectorBackend {
	case VectorBackendQdrant, VectorBackendPostgres, VectorBackendMongo, VectorBackendMemory:
	default:
		return errors.New("unknown vector backend: " + c.VectorBackend)
	}
	switch c.GraphBackend {
	case GraphBackendNeo4j, GraphBackendMemory:
	default:
		return errors.New("unknown graph backend: " + c.GraphBackend)
	}
	if c.VectorBackend == VectorBackendPostgres && c.PostgresDSN == "" {
		return errors.New("postgres backend requires postgres_dsn")
	}
	if c.VectorBackend == VectorBackendMongo && c.MongoURI == "" {
		return errors.New("mongo backend requires mongo_uri")
	}
	return nil
}
