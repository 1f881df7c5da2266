// Package search defines the shared passage type and the Searcher interface
// implemented by the retrieval backends.
//
// Two backends ship with Parley: a pgvector-backed semantic searcher
// (see the pgvector subpackage) and an in-memory BM25 lexical searcher built
// from a corpus snapshot at startup (see the bm25 subpackage). Both return
// ranked [Result] lists that the retrieval fusion engine combines into a
// single ranking.
//
// Implementations must be safe for concurrent use; the underlying indexes are
// read-only and shared across all sessions.
package search

import "context"

// Passage is one retrievable unit of knowledge-base text.
type Passage struct {
	// Content is the passage text. Content is also the deduplication identity:
	// two passages with identical Content are considered the same candidate
	// during rank fusion.
	Content string

	// Source identifies where the passage came from (document name, section,
	// ingestion batch). Informational only; never used for ranking.
	Source string
}

// Result pairs a passage with the backend-native relevance score that ranked
// it. Scores from different backends live on different scales and must not be
// compared directly; fusion operates on ranks, not scores.
type Result struct {
	Passage

	// Score is the backend-native relevance value (cosine similarity for the
	// semantic searcher, BM25 score for the lexical one). Higher is better.
	Score float64
}

// Searcher is the abstraction over any ranked passage retrieval backend.
//
// Search returns up to k results ordered by descending relevance. A query
// that matches nothing returns an empty slice and a nil error.
// Implementations must be safe for concurrent use.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}
