package model

// Search source tags. Every SearchResult names the stage that produced it.
const (
	SourceVector        = "vector_search"
	SourceGraph         = "graph"
	SourceGraphRerank   = "graph_rerank"
	SourceGraphNeighbor = "graph_neighbor"
)

// SearchResult wraps a Memory with its retrieval score and provenance.
// Score is in [0,1] and independent of the stored Confidence.
type SearchResult struct {
	Memory   Memory         `json:"memory"`
	Score    float64        `json:"score"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryPoint pairs a memory with its embedding for indexing.
type MemoryPoint struct {
	Memory *Memory
	Vector []float32
}

// Validate rejects points without a vector; empty embeddings must never reach
// the vector store.
func (p MemoryPoint) Validate() error {
	if p.Memory == nil {
		return &ProcessingError{Op: "memory_point", Reason: "memory is nil"}
	}
	if len(p.Vector) == 0 {
		return &ProcessingError{
			Op:         "memory_point",
			MemoryID:   p.Memory.ID,
			MemoryType: p.Memory.MemoryType,
			Reason:     "empty embedding vector",
		}
	}
	return nil
}
