// Package pgvector provides a semantic passage searcher backed by a PostgreSQL
// passages table with a pgvector index. It implements the search.Searcher
// interface.
//
// The table is a prebuilt, read-only index: ingestion and rebuilds happen
// offline via a separate tool with exclusive replacement. This package only
// reads from it.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/halvick/parley/pkg/provider/embeddings"
	"github.com/halvick/parley/pkg/search"
)

// defaultTable is the passages table queried when no override is given.
const defaultTable = "passages"

// Compile-time assertion that Store satisfies search.Searcher.
var _ search.Searcher = (*Store)(nil)

// Store searches a pgvector-indexed passages table by embedding similarity.
// Queries are embedded on the fly via the injected embeddings provider.
//
// All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	table    string
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithTable overrides the passages table name. Default is "passages".
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// New creates a Store over an existing connection pool. The pool is owned by
// the caller; closing it invalidates the store.
func New(pool *pgxpool.Pool, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgvector: pool must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("pgvector: embedder must not be nil")
	}
	s := &Store{
		pool:     pool,
		embedder: embedder,
		table:    defaultTable,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Search implements search.Searcher. The query is embedded once and the k
// nearest passages by cosine distance are returned, most similar first.
// The reported Score is the cosine similarity (1 - distance).
func (s *Store) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	if k <= 0 {
		return []search.Result{}, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}

	q := fmt.Sprintf(`
		SELECT content, source, 1 - (embedding <=> $1) AS similarity
		FROM   %s
		ORDER  BY embedding <=> $1
		LIMIT  $2`, s.table)

	rows, err := s.pool.Query(ctx, q, pgvec.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.Result, error) {
		var r search.Result
		err := row.Scan(&r.Content, &r.Source, &r.Score)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan rows: %w", err)
	}
	if results == nil {
		results = []search.Result{}
	}
	return results, nil
}

// AllPassages returns every passage in the table. Used once at startup to
// build the lexical BM25 index from the same corpus snapshot the semantic
// index was built from.
func (s *Store) AllPassages(ctx context.Context) ([]search.Passage, error) {
	q := fmt.Sprintf(`SELECT content, source FROM %s ORDER BY id`, s.table)

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pgvector: load corpus snapshot: %w", err)
	}

	passages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.Passage, error) {
		var p search.Passage
		err := row.Scan(&p.Content, &p.Source)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan corpus snapshot: %w", err)
	}
	return passages, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
