// Package embed turns headline text into vector embeddings.
//
// Embedder implementations talk to a model (Jina, Ollama, or the local
// feature-hashing model). Provider wraps one of them and enforces the
// contract the rest of the pipeline relies on: no empty or over-long input,
// no zero or non-finite vectors, per-index failure isolation in batches,
// and fresh copies on every call.
package embed

import "context"

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Available returns true if the embedding service is accessible.
	Available() bool
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model names the model, used as the cache namespace.
	Model() string
}

// BatchEmbedder extends Embedder with batch embedding support.
// Implementations can embed multiple texts in a single API call for efficiency.
// When EmbedBatch returns nil error, the result slice must have the same length
// as the input texts slice, with result[i] corresponding to texts[i].
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores embeddings by model and exact text so a re-run reproduces
// the same vectors without calling the model. GetEmbedding returns nil and
// no error on a miss.
type Cache interface {
	GetEmbedding(ctx context.Context, model, text string) ([]float32, error)
	SaveEmbedding(ctx context.Context, model, text string, vec []float32) error
}
