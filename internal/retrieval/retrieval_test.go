package retrieval

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/halvick/parley/pkg/provider/rerank"
	rerankmock "github.com/halvick/parley/pkg/provider/rerank/mock"
	"github.com/halvick/parley/pkg/search"
)

// stubSearcher returns canned results, honouring the k limit.
type stubSearcher struct {
	results []search.Result
	err     error
	calls   int
	lastK   int
}

func (s *stubSearcher) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	s.calls++
	s.lastK = k
	if s.err != nil {
		return nil, s.err
	}
	res := s.results
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func passages(contents ...string) []search.Result {
	out := make([]search.Result, 0, len(contents))
	for i, c := range contents {
		out = append(out, search.Result{
			Passage: search.Passage{Content: c, Source: "test"},
			Score:   float64(len(contents) - i),
		})
	}
	return out
}

// identityReranker returns the first topN documents in submitted order with
// descending scores.
func identityReranker() *rerankmock.Provider {
	return &rerankmock.Provider{
		RerankFunc: func(ctx context.Context, query string, docs []string, topN int) ([]rerank.Result, error) {
			n := topN
			if n > len(docs) {
				n = len(docs)
			}
			out := make([]rerank.Result, 0, n)
			for i := 0; i < n; i++ {
				out = append(out, rerank.Result{Index: i, Score: float64(n - i)})
			}
			return out, nil
		},
	}
}

func newEngine(t *testing.T, semantic, lexical *stubSearcher, rr rerank.Provider, cfg Config) *Engine {
	t.Helper()
	opts := []Option{WithConfig(cfg)}
	if lexical != nil {
		opts = append(opts, WithLexical(lexical))
	}
	e, err := New(semantic, rr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func contentsOf(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Content)
	}
	return out
}

func TestFuseDeduplicatesByContent(t *testing.T) {
	sem := passages("a", "b", "c")
	lex := passages("b", "d")

	fused := fuse(sem, lex, Config{
		SemanticWeight: 0.5, LexicalWeight: 0.5, RRFConstant: 60,
	})

	seen := map[string]int{}
	for _, c := range fused {
		seen[c.Content]++
	}
	for content, n := range seen {
		if n != 1 {
			t.Errorf("content %q appears %d times, want 1", content, n)
		}
	}
	// "b" appears in both lists so it must outrank everything else.
	if fused[0].Content != "b" {
		t.Errorf("top fused = %q, want b", fused[0].Content)
	}
}

func TestFuseSelfFusionPreservesOrder(t *testing.T) {
	list := passages("a", "b", "c", "d")

	fused := fuse(list, list, Config{
		SemanticWeight: 0.5, LexicalWeight: 0.5, RRFConstant: 60,
	})

	want := []string{"a", "b", "c", "d"}
	if got := contentsOf(fused); !reflect.DeepEqual(got, want) {
		t.Errorf("self-fusion order = %v, want %v", got, want)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	sem := passages("a", "b", "c", "d", "e")
	lex := passages("e", "c", "f")
	cfg := Config{SemanticWeight: 0.5, LexicalWeight: 0.5, RRFConstant: 60}

	first := contentsOf(fuse(sem, lex, cfg))
	for i := 0; i < 20; i++ {
		again := contentsOf(fuse(sem, lex, cfg))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d order = %v, want %v", i, again, first)
		}
	}
}

func TestFuseTieBrokenByBetterOriginalRank(t *testing.T) {
	// "x" is rank 1 in the semantic list only; "y" is rank 1 in the lexical
	// list only. Equal weights give equal fused scores; "x" and "y" both
	// carry best rank 1, so the content tie-break decides. "z" at rank 2
	// lexical scores lower and must come last.
	sem := passages("x")
	lex := passages("y", "z")
	cfg := Config{SemanticWeight: 0.5, LexicalWeight: 0.5, RRFConstant: 60}

	got := contentsOf(fuse(sem, lex, cfg))
	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRetrievePassesKLimits(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b")}
	lex := &stubSearcher{results: passages("c")}
	e := newEngine(t, sem, lex, identityReranker(), Config{SemanticK: 10, LexicalK: 5})

	if _, err := e.Retrieve(context.Background(), "q"); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if sem.lastK != 10 {
		t.Errorf("semantic k = %d, want 10", sem.lastK)
	}
	if lex.lastK != 5 {
		t.Errorf("lexical k = %d, want 5", lex.lastK)
	}
}

func TestRetrieveRerankOrdersResult(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b", "c")}
	lex := &stubSearcher{results: passages("c", "d")}

	// Reranker prefers the last submitted document.
	rr := &rerankmock.Provider{
		RerankFunc: func(ctx context.Context, query string, docs []string, topN int) ([]rerank.Result, error) {
			return []rerank.Result{
				{Index: len(docs) - 1, Score: 0.9},
				{Index: 0, Score: 0.4},
			}, nil
		},
	}
	e := newEngine(t, sem, lex, rr, Config{TopN: 3})

	got, err := e.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].RerankScore != 0.9 || !got[0].Reranked {
		t.Errorf("top candidate = %+v, want reranked score 0.9", got[0])
	}
	if got[1].RerankScore != 0.4 {
		t.Errorf("second candidate score = %f, want 0.4", got[1].RerankScore)
	}
}

func TestRetrieveRerankFailureFallsBackUnscored(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b", "c", "d", "e")}
	lex := &stubSearcher{results: passages("c", "f")}
	rr := &rerankmock.Provider{RerankErr: errors.New("rerank down")}
	e := newEngine(t, sem, lex, rr, Config{TopN: 3})

	got, err := e.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("rerank failure must not surface: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	for i, c := range got {
		if c.Reranked {
			t.Errorf("candidate %d marked reranked after rerank failure", i)
		}
	}

	// The fallback keeps the fused order's head.
	fused := fuse(passages("a", "b", "c", "d", "e"), passages("c", "f"), Config{
		SemanticWeight: DefaultSemanticWeight,
		LexicalWeight:  DefaultLexicalWeight,
		RRFConstant:    DefaultRRFConstant,
	})
	for i := range got {
		if got[i].Content != fused[i].Content {
			t.Errorf("fallback[%d] = %q, want fused head %q", i, got[i].Content, fused[i].Content)
		}
	}
}

func TestRetrieveSemanticOnlyWithoutLexical(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b", "c", "d", "e")}
	rr := identityReranker()
	e := newEngine(t, sem, nil, rr, Config{TopN: 3})

	got, err := e.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(contentsOf(got), want) {
		t.Errorf("semantic-only order = %v, want %v", contentsOf(got), want)
	}
	if len(rr.RerankCalls) != 0 {
		t.Error("rerank should not run in semantic-only mode")
	}
}

func TestRetrieveLexicalFailureDegrades(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b")}
	lex := &stubSearcher{err: errors.New("index broken")}
	e := newEngine(t, sem, lex, identityReranker(), Config{TopN: 3})

	got, err := e.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("lexical failure must not surface: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected semantic-only results")
	}
}

func TestRetrieveSemanticFailureSurfaces(t *testing.T) {
	sem := &stubSearcher{err: errors.New("db down")}
	e := newEngine(t, sem, &stubSearcher{}, identityReranker(), Config{})

	if _, err := e.Retrieve(context.Background(), "q"); err == nil {
		t.Fatal("expected error when semantic search fails")
	}
}

func TestSetConfigAppliesToLaterPasses(t *testing.T) {
	sem := &stubSearcher{results: passages("a", "b", "c", "d")}
	lex := &stubSearcher{results: passages("c", "d")}
	e := newEngine(t, sem, lex, identityReranker(), Config{SemanticK: 4, LexicalK: 2, TopN: 2})

	if _, err := e.Retrieve(context.Background(), "q"); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if sem.lastK != 4 || lex.lastK != 2 {
		t.Fatalf("initial limits sem=%d lex=%d", sem.lastK, lex.lastK)
	}

	e.SetConfig(Config{SemanticK: 3, LexicalK: 1, TopN: 1})
	got, err := e.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatalf("Retrieve after SetConfig: %v", err)
	}
	if sem.lastK != 3 || lex.lastK != 1 {
		t.Fatalf("updated limits sem=%d lex=%d", sem.lastK, lex.lastK)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want the updated top_n of 1", len(got))
	}
}
