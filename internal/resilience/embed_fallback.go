package resilience

import (
	"context"

	"github.com/halvick/parley/pkg/provider/embeddings"
)

// EmbedFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends. The semantic store embeds every
// question through it, so a hosted embeddings outage degrades to a local
// model rather than breaking retrieval.
//
// Failover only makes sense between backends whose vectors live in the same
// space as the indexed corpus; registering a fallback with a different model
// or dimensionality is a configuration error the caller must avoid.
type EmbedFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbedFallback)(nil)

// NewEmbedFallback creates an [EmbedFallback] with primary as the preferred
// backend.
func NewEmbedFallback(primary embeddings.Provider, primaryName string, cbCfg CircuitBreakerConfig) *EmbedFallback {
	return &EmbedFallback{
		group: NewFallbackGroup(primary, primaryName, cbCfg),
	}
}

// AddFallback registers an additional embeddings provider as a fallback.
func (f *EmbedFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed computes the embedding via the first healthy provider.
func (f *EmbedFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch computes the embeddings via the first healthy provider.
func (f *EmbedFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions reports the primary's dimensionality. Static metadata, not part
// of failover; all registered backends must agree on it.
func (f *EmbedFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID reports the primary's model identifier.
func (f *EmbedFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
