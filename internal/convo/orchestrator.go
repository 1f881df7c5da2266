// Package convo runs the per-session question pipeline: rewrite the
// transcript against the chat history, retrieve supporting passages, generate
// an answer, shape it for display and speech, and deliver it. Questions from
// one session are processed strictly one at a time, in arrival order.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halvick/parley/internal/answer"
	"github.com/halvick/parley/internal/observe"
	"github.com/halvick/parley/internal/retrieval"
	"github.com/halvick/parley/pkg/provider/llm"
)

// Stage identifies where in the pipeline a question currently is. Used for
// logging and for attributing failures.
type Stage string

const (
	StageReceived       Stage = "received"
	StageRewriting      Stage = "rewriting"
	StageRetrieving     Stage = "retrieving"
	StageAnswering      Stage = "answering"
	StagePostProcessing Stage = "post_processing"
	StageDelivering     Stage = "delivering"
	StageDone           Stage = "done"
)

// userFacingError is the message delivered to the client when a question
// fails anywhere in the pipeline. Internal detail stays in the logs.
const userFacingError = "抱歉，处理您的问题时出现了一点小状况，请稍后再试一次。"

// defaultQueueDepth bounds how many finalised questions may wait while an
// earlier one is still being answered.
const defaultQueueDepth = 8

// Sink receives the orchestrator's outbound events. The session gateway
// implements it on top of the client transport and the speech synthesizer.
// All methods must tolerate being called after the transport has closed.
type Sink interface {
	// RecognitionEnded signals that a finalised transcript was accepted.
	RecognitionEnded()

	// AnswerReady delivers the display form of the answer.
	AnswerReady(text string)

	// Speak hands the spoken form to speech synthesis.
	Speak(text string) error

	// Failed delivers a user-facing error message for one question.
	Failed(message string)
}

// Retriever is the slice of the retrieval engine the pipeline needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]retrieval.Candidate, error)
}

// Orchestrator drives the question pipeline for a single session.
// Construct with New, feed it via Submit, and Close it when the session ends.
type Orchestrator struct {
	llm       llm.Provider
	retriever Retriever
	post      *answer.Processor
	sink      Sink
	history   *History
	logger    *slog.Logger
	metrics   *observe.Metrics

	queueDepth int

	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to the process-wide instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithQueueDepth sets how many questions may queue behind the one in flight.
func WithQueueDepth(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// New constructs an Orchestrator and starts its worker goroutine. The worker
// exits when ctx is cancelled or Close is called.
func New(ctx context.Context, provider llm.Provider, retriever Retriever, post *answer.Processor, sink Sink, opts ...Option) (*Orchestrator, error) {
	if provider == nil || retriever == nil || post == nil || sink == nil {
		return nil, fmt.Errorf("convo: provider, retriever, post-processor and sink are all required")
	}
	o := &Orchestrator{
		llm:        provider,
		retriever:  retriever,
		post:       post,
		sink:       sink,
		history:    NewHistory(),
		logger:     slog.Default(),
		metrics:    observe.DefaultMetrics(),
		queueDepth: defaultQueueDepth,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = make(chan string, o.queueDepth)

	o.wg.Add(1)
	go o.run(ctx)
	return o, nil
}

// History exposes the session's chat history.
func (o *Orchestrator) History() *History {
	return o.history
}

// Submit accepts a finalised transcript. It acknowledges the recognition
// immediately and enqueues the question without blocking; questions are then
// answered one at a time in submission order. When the queue is full the
// question is rejected with a user-facing error rather than blocking the
// recognition stream. Submit is a no-op after Close.
func (o *Orchestrator) Submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	o.sink.RecognitionEnded()
	select {
	case o.queue <- text:
	default:
		o.logger.Warn("question queue full, rejecting", "queued", len(o.queue))
		o.metrics.RecordQuestion(context.Background(), "rejected", "none")
		o.sink.Failed(userFacingError)
	}
}

// Close stops the worker. The question currently in flight is allowed to
// finish its stage-level calls but nothing queued behind it runs. Close is
// idempotent and safe to call concurrently with Submit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()
	o.wg.Wait()
}

// Wait blocks until the worker has exited. Primarily useful in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case q := <-o.queue:
			o.handle(ctx, q)
		}
	}
}

// handle runs one question through the full pipeline. Failures at any stage
// produce a single user-facing error and leave the history untouched; the
// session stays usable for the next question.
func (o *Orchestrator) handle(ctx context.Context, question string) {
	start := time.Now()
	logger := o.logger.With("question_chars", len([]rune(question)))
	logger.Info("question received", "stage", StageReceived)

	fail := func(stage Stage, err error) {
		logger.Error("question failed", "stage", stage, "error", err)
		o.metrics.RecordQuestion(ctx, "error", string(stage))
		o.metrics.QuestionDuration.Record(ctx, time.Since(start).Seconds())
		o.sink.Failed(userFacingError)
	}

	// Rewriting. Skipped on an empty history: there is nothing the question
	// could be referring back to.
	query := question
	if o.history.Len() > 0 {
		rewritten, err := o.rewrite(ctx, question)
		if err != nil {
			fail(StageRewriting, err)
			return
		}
		query = rewritten
	}

	// Retrieving. The rewritten form is used here and nowhere else.
	logger.Info("retrieving", "stage", StageRetrieving)
	candidates, err := o.retriever.Retrieve(ctx, query)
	if err != nil {
		fail(StageRetrieving, err)
		return
	}

	// Answering, with the original question and the full history.
	generated, err := o.generate(ctx, question, candidates)
	if err != nil {
		fail(StageAnswering, err)
		return
	}

	// Post-processing never fails; summarizer errors degrade internally.
	outcome := o.post.Process(ctx, question, generated)

	// Delivering.
	logger.Info("delivering", "stage", StageDelivering,
		"fell_back", outcome.FellBack, "summarized", outcome.Summarized)
	o.sink.AnswerReady(outcome.Display)
	if err := o.sink.Speak(outcome.Spoken); err != nil {
		fail(StageDelivering, err)
		return
	}

	o.history.AppendExchange(question, outcome.Display)
	o.metrics.RecordQuestion(ctx, "success", answerShape(outcome))
	o.metrics.QuestionDuration.Record(ctx, time.Since(start).Seconds())
	logger.Info("question answered", "stage", StageDone, "took", time.Since(start))
}

// rewrite asks the model for a standalone form of the question. A blank
// rewrite falls back to the original question rather than failing.
func (o *Orchestrator) rewrite(ctx context.Context, question string) (string, error) {
	o.logger.Info("rewriting question", "stage", StageRewriting, "history_turns", o.history.Len())
	start := time.Now()
	resp, err := o.llm.Complete(ctx, buildRewriteRequest(o.history.Turns(), question))
	o.metrics.RecordGeneration(ctx, "rewrite", time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("convo: rewrite failed: %w", err)
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		o.logger.Warn("rewrite returned empty text, using original question")
		return question, nil
	}
	return rewritten, nil
}

// generate produces the grounded answer for the original question.
func (o *Orchestrator) generate(ctx context.Context, question string, candidates []retrieval.Candidate) (string, error) {
	o.logger.Info("generating answer", "stage", StageAnswering, "passages", len(candidates))
	start := time.Now()
	resp, err := o.llm.Complete(ctx, buildAnswerRequest(o.history.Turns(), question, candidates))
	o.metrics.RecordGeneration(ctx, "answer", time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("convo: answer generation failed: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("convo: answer generation returned empty text")
	}
	return resp.Content, nil
}

// Summarizer returns an [answer.SummarizeFunc] backed by the given provider,
// recording its latency under the "summarize" operation.
func Summarizer(provider llm.Provider, metrics *observe.Metrics) answer.SummarizeFunc {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return func(ctx context.Context, text string) (string, error) {
		start := time.Now()
		resp, err := provider.Complete(ctx, buildSummarizeRequest(text))
		metrics.RecordGeneration(ctx, "summarize", time.Since(start).Seconds())
		if err != nil {
			return "", fmt.Errorf("convo: summarization failed: %w", err)
		}
		return resp.Content, nil
	}
}

// answerShape labels the delivered answer for the questions counter.
func answerShape(out answer.Outcome) string {
	switch {
	case out.FellBack:
		return "fallback"
	case out.Summarized:
		return "summarized"
	default:
		return "full"
	}
}
