// Package retrieval implements the two-stage retrieval pass behind every
// answered question: independent semantic and lexical searches fused by
// reciprocal rank into one candidate list, then compressed by an external
// reranker to the few passages the generation prompt can carry.
//
// The engine is read-only over its indexes and safe for concurrent use from
// all sessions.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halvick/parley/internal/observe"
	"github.com/halvick/parley/internal/resilience"
	"github.com/halvick/parley/pkg/provider/rerank"
	"github.com/halvick/parley/pkg/search"
)

// Default tuning values. All of them are overridable through Config; the
// defaults match the corpus the knowledge base was tuned against.
const (
	DefaultSemanticK      = 10
	DefaultLexicalK       = 5
	DefaultSemanticWeight = 0.5
	DefaultLexicalWeight  = 0.5
	DefaultRRFConstant    = 60
	DefaultTopN           = 3
)

// Config holds the engine's tuning knobs. Zero values fall back to defaults.
type Config struct {
	// SemanticK is how many passages the semantic searcher contributes.
	SemanticK int

	// LexicalK is how many passages the lexical searcher contributes.
	LexicalK int

	// SemanticWeight and LexicalWeight scale each retriever's contribution
	// to the fused score.
	SemanticWeight float64
	LexicalWeight  float64

	// RRFConstant is the rank smoothing constant in the reciprocal rank
	// formula weight / (rank + constant).
	RRFConstant int

	// TopN is how many passages the final list holds.
	TopN int
}

func (c *Config) applyDefaults() {
	if c.SemanticK <= 0 {
		c.SemanticK = DefaultSemanticK
	}
	if c.LexicalK <= 0 {
		c.LexicalK = DefaultLexicalK
	}
	if c.SemanticWeight <= 0 {
		c.SemanticWeight = DefaultSemanticWeight
	}
	if c.LexicalWeight <= 0 {
		c.LexicalWeight = DefaultLexicalWeight
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
}

// Candidate is one retrieved passage with its ranking scores.
type Candidate struct {
	search.Passage

	// FusedScore is the reciprocal-rank fusion score. Zero in semantic-only
	// degraded mode.
	FusedScore float64

	// RerankScore is the reranker's relevance score. Valid only when
	// Reranked is true.
	RerankScore float64

	// Reranked reports whether the reranker scored this candidate. False
	// when the rerank call failed and the engine fell back to fused order.
	Reranked bool
}

// Engine runs the retrieval pass. Construct with New.
type Engine struct {
	semantic search.Searcher
	lexical  search.Searcher
	reranker rerank.Provider
	breaker  *resilience.CircuitBreaker

	cfgMu   sync.RWMutex
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithConfig replaces the default tuning values.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine's logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics instance. Default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLexical provides the lexical searcher. When absent the engine runs in
// semantic-only degraded mode from the start.
func WithLexical(s search.Searcher) Option {
	return func(e *Engine) { e.lexical = s }
}

// WithBreaker replaces the circuit breaker guarding the rerank call.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// New creates an Engine over the given semantic searcher and reranker, both
// required. The lexical searcher is optional (see WithLexical); without it
// every pass runs semantic-only.
func New(semantic search.Searcher, reranker rerank.Provider, opts ...Option) (*Engine, error) {
	if semantic == nil {
		return nil, fmt.Errorf("retrieval: semantic searcher must not be nil")
	}
	if reranker == nil {
		return nil, fmt.Errorf("retrieval: reranker must not be nil")
	}
	e := &Engine{
		semantic: semantic,
		reranker: reranker,
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg.applyDefaults()
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "rerank",
		})
	}
	return e, nil
}

// SetConfig replaces the tuning values at runtime, for config hot reload.
// Zero values fall back to defaults. Passes already in flight finish with
// the values they started with.
func (e *Engine) SetConfig(cfg Config) {
	cfg.applyDefaults()
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

// config snapshots the tuning values for one retrieval pass.
func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Retrieve returns up to TopN passages for the query, most relevant first.
// The ranking is deterministic for fixed inputs and weights. Rerank failures
// and a missing lexical index degrade the ranking but never surface as
// errors; only a semantic search failure does.
func (e *Engine) Retrieve(ctx context.Context, query string) ([]Candidate, error) {
	start := time.Now()
	mode := "fused"
	defer func() {
		e.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("mode", mode)))
	}()
	cfg := e.config()

	semRes, err := e.semantic.Search(ctx, query, cfg.SemanticK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: semantic search: %w", err)
	}

	var fused []Candidate
	if e.lexical == nil {
		mode = "semantic_only"
		e.metrics.RecordDegraded(ctx, "no_lexical_index")
		fused = semanticOnly(semRes, cfg.TopN)
		return fused, nil
	}

	lexRes, err := e.lexical.Search(ctx, query, cfg.LexicalK)
	if err != nil {
		// The lexical index is in-memory, so an error here means the pass
		// was cancelled or the index is unusable. Degrade rather than fail.
		e.logger.Warn("lexical search failed, using semantic-only ranking",
			"error", err)
		mode = "semantic_only"
		e.metrics.RecordDegraded(ctx, "no_lexical_index")
		return semanticOnly(semRes, cfg.TopN), nil
	}

	fused = fuse(semRes, lexRes, cfg)
	return e.compress(ctx, query, fused, cfg.TopN)
}

// semanticOnly converts semantic results into candidates truncated to topN.
func semanticOnly(res []search.Result, topN int) []Candidate {
	if len(res) > topN {
		res = res[:topN]
	}
	out := make([]Candidate, 0, len(res))
	for _, r := range res {
		out = append(out, Candidate{Passage: r.Passage})
	}
	return out
}

// fuse combines the two ranked lists by weighted reciprocal rank. Candidates
// are deduplicated by content before fusion; each list contributes the best
// (lowest) rank of a duplicated passage. Ties in fused score are broken by
// the better original rank, then by content for full determinism.
func fuse(semantic, lexical []search.Result, cfg Config) []Candidate {
	type fusedEntry struct {
		passage  search.Passage
		score    float64
		bestRank int
		order    int
	}

	entries := make(map[string]*fusedEntry)
	var insertion []string

	accumulate := func(list []search.Result, weight float64) {
		seen := make(map[string]bool, len(list))
		for i, r := range list {
			if seen[r.Content] {
				continue
			}
			seen[r.Content] = true
			rank := i + 1

			en, ok := entries[r.Content]
			if !ok {
				en = &fusedEntry{
					passage:  r.Passage,
					bestRank: math.MaxInt,
					order:    len(insertion),
				}
				entries[r.Content] = en
				insertion = append(insertion, r.Content)
			}
			en.score += weight / float64(rank+cfg.RRFConstant)
			if rank < en.bestRank {
				en.bestRank = rank
			}
		}
	}
	accumulate(semantic, cfg.SemanticWeight)
	accumulate(lexical, cfg.LexicalWeight)

	sorted := make([]*fusedEntry, 0, len(insertion))
	for _, content := range insertion {
		sorted = append(sorted, entries[content])
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.passage.Content < b.passage.Content
	})

	out := make([]Candidate, 0, len(sorted))
	for _, en := range sorted {
		out = append(out, Candidate{Passage: en.passage, FusedScore: en.score})
	}
	return out
}

// compress sends the fused list through the reranker and keeps the TopN best.
// On any rerank failure (including an open circuit breaker) the first TopN
// fused candidates are returned unscored.
func (e *Engine) compress(ctx context.Context, query string, fused []Candidate, topN int) ([]Candidate, error) {
	if len(fused) == 0 {
		return fused, nil
	}

	docs := make([]string, len(fused))
	for i, c := range fused {
		docs[i] = c.Content
	}

	var ranked []rerank.Result
	rerankStart := time.Now()
	err := e.breaker.Execute(func() error {
		var rerr error
		ranked, rerr = e.reranker.Rerank(ctx, query, docs, topN)
		return rerr
	})
	e.metrics.RerankDuration.Record(ctx, time.Since(rerankStart).Seconds())

	if err != nil {
		e.logger.Warn("rerank failed, returning fused order unscored",
			"error", err, "candidates", len(fused))
		e.metrics.RecordDegraded(ctx, "rerank_failed")
		if len(fused) > topN {
			fused = fused[:topN]
		}
		return fused, nil
	}

	out := make([]Candidate, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(fused) {
			continue
		}
		c := fused[r.Index]
		c.RerankScore = r.Score
		c.Reranked = true
		out = append(out, c)
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}
