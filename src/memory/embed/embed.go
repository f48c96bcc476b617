// Package embed provides the text-embedding contract for the memory core and
// a set of pluggable providers.
package embed

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Embedder turns text into a fixed-length float vector. Implementations must
// be deterministic for identical input within a process.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrNotSupported is returned by providers that do not offer embeddings.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// DummyDim is the vector size of the fallback embedder.
const DummyDim = 768

// Dummy is a deterministic local embedder for tests and offline use.
type Dummy struct{}

func (Dummy) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text), nil
}

// DummyEmbedding folds bytes into a fixed 768-dim vector.
func DummyEmbedding(text string) []float32 {
	vec := make([]float32, DummyDim)
	for i, ch := range []byte(text) {
		vec[i%DummyDim] += float32(ch) / 255.0
	}
	return vec
}

// Auto chooses a provider by name, falling back to env configuration
// (MEMG_EMBED_PROVIDER / MEMG_EMBED_MODEL) and finally to Dummy.
func Auto(provider, model string) Embedder {
	if provider == "" {
		provider = os.Getenv("MEMG_EMBED_PROVIDER")
	}
	if model == "" {
		model = os.Getenv("MEMG_EMBED_MODEL")
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		if e, err := NewOpenAIEmbedder(model); err == nil {
			return e
		}
	case "ollama":
		if e, err := NewOllamaEmbedder(model); err == nil {
			return e
		}
	case "google", "gemini", "vertex", "vertexai":
		if e, err := NewVertexEmbedder(model); err == nil {
			return e
		}
	case "voyage", "claude", "anthropic":
		if e, err := NewVoyageEmbedder(model); err == nil {
			return e
		}
	case "fastembed":
		if opts := defaultFastEmbedOptions(); opts != nil {
			if e, err := NewFastEmbedder(context.Background(), opts); err == nil {
				return e
			}
		}
	}
	log.Warn("embed: no provider configured, falling back to dummy embedder")
	return Dummy{}
}
