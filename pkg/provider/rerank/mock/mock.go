// Package mock provides a test double for the rerank.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/halvick/parley/pkg/provider/rerank"
)

// RerankCall records a single invocation of Rerank.
type RerankCall struct {
	// Ctx is the context passed to Rerank.
	Ctx context.Context
	// Query is the query passed to Rerank.
	Query string
	// Documents is a copy of the document slice passed to Rerank.
	Documents []string
	// TopN is the requested result count.
	TopN int
}

// Provider is a mock implementation of rerank.Provider.
type Provider struct {
	mu sync.Mutex

	// RerankFunc, if non-nil, is invoked by Rerank instead of returning the
	// static RerankResult.
	RerankFunc func(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error)

	// RerankResult is returned by Rerank when RerankFunc is nil.
	RerankResult []rerank.Result

	// RerankErr, if non-nil, is returned as the error from Rerank.
	RerankErr error

	// RerankCalls records every call to Rerank in order.
	RerankCalls []RerankCall
}

// Rerank records the call and returns the configured result.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	p.mu.Lock()
	cp := make([]string, len(documents))
	copy(cp, documents)
	p.RerankCalls = append(p.RerankCalls, RerankCall{Ctx: ctx, Query: query, Documents: cp, TopN: topN})
	fn := p.RerankFunc
	res, err := p.RerankResult, p.RerankErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, query, documents, topN)
	}
	return res, err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RerankCalls = nil
}

// Ensure Provider implements rerank.Provider at compile time.
var _ rerank.Provider = (*Provider)(nil)
