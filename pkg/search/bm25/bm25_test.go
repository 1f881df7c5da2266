package bm25

import (
	"context"
	"reflect"
	"testing"

	"github.com/halvick/parley/pkg/search"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "latin words are lower-cased",
			text: "Hello World",
			want: []string{"hello", "world"},
		},
		{
			name: "digits form tokens",
			text: "room 42",
			want: []string{"room", "42"},
		},
		{
			name: "cjk runs become bigrams",
			text: "比赛时间",
			want: []string{"比赛", "赛时", "时间"},
		},
		{
			name: "single cjk char kept as unigram",
			text: "赛",
			want: []string{"赛"},
		},
		{
			name: "mixed script splits at boundaries",
			text: "2024年比赛",
			want: []string{"2024", "年比", "比赛"},
		},
		{
			name: "punctuation separates tokens",
			text: "报名，截止！",
			want: []string{"报名", "截止"},
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func corpus() []search.Passage {
	return []search.Passage{
		{Content: "比赛报名截止日期为十月一日", Source: "faq.md"},
		{Content: "比赛分为初赛和决赛两个阶段", Source: "faq.md"},
		{Content: "获奖证书将在颁奖典礼后发放", Source: "awards.md"},
		{Content: "the final round is held in person", Source: "schedule.md"},
	}
}

func TestSearchRanksMatchingPassageFirst(t *testing.T) {
	idx := Build(corpus())

	results, err := idx.Search(context.Background(), "报名截止", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Source != "faq.md" || results[0].Content != "比赛报名截止日期为十月一日" {
		t.Errorf("top result = %+v, want the registration deadline passage", results[0])
	}
	if results[0].Score <= 0 {
		t.Errorf("top score = %f, want > 0", results[0].Score)
	}
}

func TestSearchLimitsToK(t *testing.T) {
	idx := Build(corpus())

	results, err := idx.Search(context.Background(), "比赛", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestSearchNoMatches(t *testing.T) {
	idx := Build(corpus())

	results, err := idx.Search(context.Background(), "天气预报", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}

func TestSearchDeterministicOrdering(t *testing.T) {
	idx := Build(corpus())

	first, err := idx.Search(context.Background(), "比赛", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := idx.Search(context.Background(), "比赛", 5)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d ordering differs: %v vs %v", i, again, first)
		}
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := Build(nil)

	results, err := idx.Search(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}

func TestSearchCancelledContext(t *testing.T) {
	idx := Build(corpus())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := idx.Search(ctx, "比赛", 3); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
