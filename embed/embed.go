// Package embed defines the embedding collaborator contract. The
// engine never computes vectors itself; it hands text to an Embedder
// and stores whatever comes back, tagged with the embedder's model
// version so vectors from different models are never compared.
//
// Two implementations ship with the module: embed/mock, a
// deterministic bag-of-tokens embedder for tests, and embed/openai,
// an adapter over the OpenAI embeddings API.
package embed

import (
	"context"
	"errors"
)

// ErrEmbeddingFailed is returned when the embedding collaborator
// cannot produce a vector. It is a transient failure: callers defer
// and retry rather than abort.
var ErrEmbeddingFailed = errors.New("embed: embedding failed")

// Embedder produces fixed-dimension vectors for text.
//
// Dimensions and ModelVersion are static per embedder instance; a
// mismatch with the configured index is a configuration error, not a
// runtime retry case.
type Embedder interface {
	// Embed converts text into a vector. Implementations must honor
	// context cancellation and wrap transport failures in
	// ErrEmbeddingFailed.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the vector dimensionality this embedder produces.
	Dimensions() int

	// ModelVersion identifies the embedding model, e.g.
	// "text-embedding-3-small".
	ModelVersion() string
}
