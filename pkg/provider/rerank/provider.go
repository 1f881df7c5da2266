// Package rerank defines the Provider interface for cross-encoder rerankers.
//
// A reranker scores a set of candidate documents against a query with a much
// stronger (and slower) model than the first-stage retrievers. The retrieval
// engine sends it the fused candidate list and keeps only the top few.
//
// Implementations must be safe for concurrent use.
package rerank

import "context"

// Result is a single reranked document reference.
type Result struct {
	// Index is the position of the document in the submitted slice.
	Index int
	// Score is the model's relevance score for the document. Higher is more
	// relevant. Scores are only comparable within one Rerank call.
	Score float64
}

// Provider is the abstraction over any reranking backend.
type Provider interface {
	// Rerank scores documents against query and returns up to topN results
	// ordered by descending relevance. Returns an error if the request
	// fails or ctx is cancelled; partial results are not returned.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}
