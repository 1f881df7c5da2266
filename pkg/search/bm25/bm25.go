// Package bm25 provides an in-memory lexical passage searcher using the
// Okapi BM25 ranking function. It implements the search.Searcher interface.
//
// The index is built once at startup from a corpus snapshot and is immutable
// afterwards, so Search needs no locking and is safe for concurrent use.
package bm25

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/halvick/parley/pkg/search"
)

// Standard Okapi BM25 parameters.
const (
	k1 = 1.5
	b  = 0.75
)

// Compile-time assertion that Index satisfies search.Searcher.
var _ search.Searcher = (*Index)(nil)

// Index is an immutable BM25 index over a passage corpus.
type Index struct {
	passages []search.Passage

	// postings maps a term to the list of (document, term frequency) pairs.
	postings map[string][]posting

	docLen []int
	avgLen float64
}

type posting struct {
	doc int
	tf  int
}

// Build constructs an index from the given passages. The slice is copied;
// callers may reuse it afterwards.
func Build(passages []search.Passage) *Index {
	idx := &Index{
		passages: append([]search.Passage(nil), passages...),
		postings: make(map[string][]posting),
		docLen:   make([]int, len(passages)),
	}

	total := 0
	for i, p := range idx.passages {
		terms := Tokenize(p.Content)
		idx.docLen[i] = len(terms)
		total += len(terms)

		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t, n := range tf {
			idx.postings[t] = append(idx.postings[t], posting{doc: i, tf: n})
		}
	}
	if len(passages) > 0 {
		idx.avgLen = float64(total) / float64(len(passages))
	}
	return idx
}

// Len returns the number of indexed passages.
func (idx *Index) Len() int {
	return len(idx.passages)
}

// Search implements search.Searcher. Results are ordered by descending BM25
// score with document order breaking ties, so identical corpora and queries
// always produce identical rankings.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(idx.passages) == 0 {
		return []search.Result{}, nil
	}

	terms := Tokenize(query)
	scores := make(map[int]float64)
	n := float64(len(idx.passages))

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true

		plist, ok := idx.postings[t]
		if !ok {
			continue
		}
		// IDF with the +1 floor to keep common terms non-negative.
		idf := math.Log(1 + (n-float64(len(plist))+0.5)/(float64(len(plist))+0.5))
		for _, p := range plist {
			tf := float64(p.tf)
			norm := 1 - b + b*float64(idx.docLen[p.doc])/idx.avgLen
			scores[p.doc] += idf * (tf * (k1 + 1)) / (tf + k1*norm)
		}
	}

	docs := make([]int, 0, len(scores))
	for d := range scores {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if scores[docs[i]] != scores[docs[j]] {
			return scores[docs[i]] > scores[docs[j]]
		}
		return docs[i] < docs[j]
	})

	if len(docs) > k {
		docs = docs[:k]
	}
	results := make([]search.Result, 0, len(docs))
	for _, d := range docs {
		results = append(results, search.Result{
			Passage: idx.passages[d],
			Score:   scores[d],
		})
	}
	return results, nil
}

// Tokenize splits text into search terms. Latin-script and digit runs become
// lower-cased word tokens; CJK runs become overlapping character bigrams, the
// usual lexical treatment for unsegmented Chinese text. A lone CJK character
// is kept as a unigram.
func Tokenize(text string) []string {
	var terms []string
	var word []rune
	var cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			terms = append(terms, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			terms = append(terms, string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				terms = append(terms, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return terms
}
