// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The semantic
// passage store embeds each user question at query time and compares it with
// passage vectors that were computed offline when the knowledge base was
// indexed. Query and index must therefore use the same model; ModelID exists
// so startup code can log and verify that.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must never be mixed in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled. Text is passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single call.
	// The returned slice has the same length as texts and the i-th element
	// corresponds to texts[i]. On error the entire slice is nil; partial
	// results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, e.g.
	// "text-embedding-v4" or "text-embedding-3-small". Logged at startup so
	// a query-time/index-time model mismatch is visible.
	ModelID() string
}
