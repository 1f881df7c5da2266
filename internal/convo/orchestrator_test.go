package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halvick/parley/internal/answer"
	"github.com/halvick/parley/internal/retrieval"
	"github.com/halvick/parley/pkg/provider/llm"
	llmmock "github.com/halvick/parley/pkg/provider/llm/mock"
	"github.com/halvick/parley/pkg/search"
)

// stubSink records orchestrator output and signals once per finished
// question, on either the Speak or the Failed path.
type stubSink struct {
	mu           sync.Mutex
	recognitions int
	answers      []string
	spoken       []string
	failures     []string
	speakErr     error

	events chan string
}

func newStubSink() *stubSink {
	return &stubSink{events: make(chan string, 16)}
}

func (s *stubSink) RecognitionEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recognitions++
}

func (s *stubSink) AnswerReady(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, text)
}

func (s *stubSink) Speak(text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	err := s.speakErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.events <- "spoken"
	return nil
}

func (s *stubSink) Failed(message string) {
	s.mu.Lock()
	s.failures = append(s.failures, message)
	s.mu.Unlock()
	s.events <- "failed"
}

func (s *stubSink) await(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-s.events:
		if got != want {
			t.Fatalf("pipeline finished with %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

type stubRetriever struct {
	mu         sync.Mutex
	queries    []string
	candidates []retrieval.Candidate
	err        error
}

func (r *stubRetriever) Retrieve(_ context.Context, query string) ([]retrieval.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	if r.err != nil {
		return nil, r.err
	}
	return r.candidates, nil
}

func candidatesFrom(contents ...string) []retrieval.Candidate {
	out := make([]retrieval.Candidate, len(contents))
	for i, c := range contents {
		out[i] = retrieval.Candidate{Passage: search.Passage{Content: c, Source: "kb.md"}}
	}
	return out
}

// routedCompletion dispatches by prompt shape so one mock can serve the
// rewrite, answer and summarize calls of a single pipeline run.
func routedCompletion(rewrite, answerText, summary string) func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		switch {
		case strings.HasPrefix(req.SystemPrompt, rewriteSystemPrompt[:12]):
			return &llm.CompletionResponse{Content: rewrite}, nil
		case strings.HasPrefix(req.SystemPrompt, answerSystemPrompt[:12]):
			return &llm.CompletionResponse{Content: answerText}, nil
		case req.SystemPrompt == "" && len(req.Messages) == 1:
			return &llm.CompletionResponse{Content: summary}, nil
		}
		return nil, fmt.Errorf("unrecognised request shape")
	}
}

func newProcessor(t *testing.T, provider llm.Provider) *answer.Processor {
	t.Helper()
	p, err := answer.NewProcessor(answer.Config{}, Summarizer(provider, nil), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return p
}

func newOrchestrator(t *testing.T, provider llm.Provider, retriever Retriever, sink Sink) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), provider, retriever, newProcessor(t, provider), sink,
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestFirstQuestionSkipsRewrite(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("REWRITTEN", "三点开赛。", "")
	retriever := &stubRetriever{candidates: candidatesFrom("比赛三点开始")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.Submit("比赛几点开始？")
	sink.await(t, "spoken")
	o.Close()

	if len(retriever.queries) != 1 || retriever.queries[0] != "比赛几点开始？" {
		t.Fatalf("retriever queried with %v, want the original question", retriever.queries)
	}
	// Exactly one completion: the answer. No rewrite on an empty history.
	if calls := provider.Calls(); len(calls) != 1 {
		t.Fatalf("got %d completions, want 1", len(calls))
	}
	if sink.recognitions != 1 {
		t.Fatalf("recognitions = %d, want 1", sink.recognitions)
	}
	if len(sink.answers) != 1 || sink.answers[0] != "三点开赛。" {
		t.Fatalf("answers = %v", sink.answers)
	}
	if len(sink.spoken) != 1 || sink.spoken[0] != "三点开赛。" {
		t.Fatalf("spoken = %v", sink.spoken)
	}
	turns := o.History().Turns()
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Fatalf("history = %+v, want one user/assistant pair", turns)
	}
	if turns[1].Text != "三点开赛。" {
		t.Fatalf("assistant turn = %q", turns[1].Text)
	}
}

func TestRewriteUsedOnlyForRetrieval(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("决赛几点开始？", "决赛五点开始。", "")
	retriever := &stubRetriever{candidates: candidatesFrom("决赛五点开始")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.History().AppendExchange("今天有什么安排？", "今天有决赛。")

	o.Submit("它几点开始？")
	sink.await(t, "spoken")
	o.Close()

	if len(retriever.queries) != 1 || retriever.queries[0] != "决赛几点开始？" {
		t.Fatalf("retriever queried with %v, want the rewritten question", retriever.queries)
	}

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d completions, want rewrite + answer", len(calls))
	}
	answerReq := calls[1].Req
	last := answerReq.Messages[len(answerReq.Messages)-1]
	if last.Content != "它几点开始？" {
		t.Fatalf("answer request saw %q, want the original question", last.Content)
	}
	if !strings.Contains(answerReq.SystemPrompt, "决赛五点开始") {
		t.Fatal("retrieved passage missing from answer prompt")
	}
	if turns := o.History().Turns(); len(turns) != 4 || turns[2].Text != "它几点开始？" {
		t.Fatalf("history records %+v, want the original question as the user turn", turns)
	}
}

func TestRetrievalFailureLeavesHistoryUntouched(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("", "unused", "")
	retriever := &stubRetriever{err: errors.New("pgvector down")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.Submit("比赛几点开始？")
	sink.await(t, "failed")
	o.Close()

	if len(sink.failures) != 1 || sink.failures[0] != userFacingError {
		t.Fatalf("failures = %v", sink.failures)
	}
	if len(sink.answers) != 0 || len(sink.spoken) != 0 {
		t.Fatalf("no answer must be delivered on failure, got answers=%v spoken=%v", sink.answers, sink.spoken)
	}
	if o.History().Len() != 0 {
		t.Fatalf("history grew to %d turns after a failure", o.History().Len())
	}
}

func TestAnswerFailureReportsOnce(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteErr: errors.New("model unavailable"),
	}
	retriever := &stubRetriever{candidates: candidatesFrom("内容")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.Submit("问题")
	sink.await(t, "failed")
	o.Close()

	if len(sink.failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", sink.failures)
	}
	if o.History().Len() != 0 {
		t.Fatal("history must stay untouched")
	}
}

func TestFallbackAnswerDeliveredVerbatim(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("", "关于这个问题，我暂时还没有学到相关的知识呢，建议您关注我们的官方通知获取最新信息。", "")
	retriever := &stubRetriever{}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	question := "场外有停车位吗？"
	o.Submit(question)
	sink.await(t, "spoken")
	o.Close()

	if len(sink.answers) != 1 || !strings.Contains(sink.answers[0], question) {
		t.Fatalf("answers = %v, want canned reply embedding the question", sink.answers)
	}
	if sink.spoken[0] != sink.answers[0] {
		t.Fatal("fallback must be spoken exactly as displayed")
	}
	if turns := o.History().Turns(); turns[1].Text != sink.answers[0] {
		t.Fatalf("history records %q, want the fallback reply", turns[1].Text)
	}
}

func TestLongAnswerSpokenAsSummary(t *testing.T) {
	long := strings.Repeat("详细的赛程安排说明", 10)
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("", long, "赛程已公布，请查看官网。")
	retriever := &stubRetriever{candidates: candidatesFrom("赛程")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.Submit("赛程是怎样的？")
	sink.await(t, "spoken")
	o.Close()

	if sink.answers[0] != long {
		t.Fatal("display text must be the full answer")
	}
	if sink.spoken[0] != "赛程已公布，请查看官网。" {
		t.Fatalf("spoken = %q, want the summary", sink.spoken[0])
	}
	if turns := o.History().Turns(); turns[1].Text != long {
		t.Fatal("history must record the full answer, not the summary")
	}
}

func TestQuestionsAnsweredInOrder(t *testing.T) {
	provider := &llmmock.Provider{}
	var mu sync.Mutex
	n := 0
	provider.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if !strings.HasPrefix(req.SystemPrompt, answerSystemPrompt[:12]) {
			// Rewrite call: echo the question unchanged.
			return &llm.CompletionResponse{Content: req.Messages[len(req.Messages)-1].Content}, nil
		}
		mu.Lock()
		n++
		resp := fmt.Sprintf("回答%d。", n)
		mu.Unlock()
		return &llm.CompletionResponse{Content: resp}, nil
	}
	retriever := &stubRetriever{candidates: candidatesFrom("知识")}
	sink := newStubSink()

	o := newOrchestrator(t, provider, retriever, sink)
	o.Submit("问题一")
	o.Submit("问题二")
	o.Submit("问题三")
	for range 3 {
		sink.await(t, "spoken")
	}
	o.Close()

	want := []string{"回答1。", "回答2。", "回答3。"}
	if len(sink.answers) != 3 {
		t.Fatalf("answers = %v", sink.answers)
	}
	for i, w := range want {
		if sink.answers[i] != w {
			t.Fatalf("answers[%d] = %q, want %q", i, sink.answers[i], w)
		}
	}
	if got := o.History().Len(); got != 6 {
		t.Fatalf("history has %d turns, want 6", got)
	}
}

func TestSubmitAfterCloseIsNoOp(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = routedCompletion("", "答案。", "")
	sink := newStubSink()

	o := newOrchestrator(t, provider, &stubRetriever{}, sink)
	o.Close()
	o.Submit("问题")

	if sink.recognitions != 0 {
		t.Fatal("Submit after Close must not acknowledge recognition")
	}
}

func TestBlankTranscriptIgnored(t *testing.T) {
	provider := &llmmock.Provider{}
	sink := newStubSink()

	o := newOrchestrator(t, provider, &stubRetriever{}, sink)
	o.Submit("   ")
	o.Close()

	if sink.recognitions != 0 || len(provider.Calls()) != 0 {
		t.Fatal("blank transcript must be dropped before the pipeline")
	}
}
