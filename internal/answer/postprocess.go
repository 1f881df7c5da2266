// Package answer shapes a generated answer before delivery: it substitutes a
// canned fallback reply when the model admits it has no relevant knowledge,
// and decides whether the spoken form should be a summary of a long answer or
// the answer verbatim.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DefaultTriggerPhrases are the answer fragments that mark a generated answer
// as a non-answer. Matching is case-sensitive substring search.
var DefaultTriggerPhrases = []string{
	"我暂时还没有学到相关的知识",
	"不太清楚您的意思",
	"可能输入有误",
	"无法回答您的问题",
}

// DefaultFallbackTemplate builds the canned reply from the original question.
// It must contain exactly one %s verb.
const DefaultFallbackTemplate = "关于\"%s\"这个问题，我暂时还没有学到相关的知识呢，建议您关注我们的官方通知获取最新信息。"

// DefaultSummaryThreshold is the answer length, in characters, above which
// the spoken form is summarised.
const DefaultSummaryThreshold = 50

// SummarizeFunc produces a short spoken form of a long answer.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// Config holds the post-processor's tuning knobs. Zero values fall back to
// defaults.
type Config struct {
	// TriggerPhrases mark an answer as a non-answer.
	TriggerPhrases []string

	// FallbackTemplate builds the canned reply; must contain one %s verb
	// that receives the original question.
	FallbackTemplate string

	// SummaryThreshold is the character count above which answers are
	// summarised for speech.
	SummaryThreshold int
}

func (c *Config) applyDefaults() {
	if len(c.TriggerPhrases) == 0 {
		c.TriggerPhrases = DefaultTriggerPhrases
	}
	if c.FallbackTemplate == "" {
		c.FallbackTemplate = DefaultFallbackTemplate
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = DefaultSummaryThreshold
	}
}

// Outcome is the shaped result of one post-processing pass.
type Outcome struct {
	// Display is the text shown to the user and recorded to history: the
	// full answer, or the fallback reply when the answer was discarded.
	Display string

	// Spoken is the text handed to speech synthesis: the fallback reply,
	// a summary, or the full answer.
	Spoken string

	// FellBack reports that the generated answer was discarded for the
	// canned reply.
	FellBack bool

	// Summarized reports that Spoken is a summary rather than Display.
	Summarized bool
}

// Processor applies the fallback and summarization decisions.
type Processor struct {
	cfg       Config
	summarize SummarizeFunc
	logger    *slog.Logger
}

// NewProcessor creates a Processor. summarize is invoked for answers longer
// than the threshold; it must not be nil.
func NewProcessor(cfg Config, summarize SummarizeFunc, logger *slog.Logger) (*Processor, error) {
	if summarize == nil {
		return nil, fmt.Errorf("answer: summarize func must not be nil")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{cfg: cfg, summarize: summarize, logger: logger}, nil
}

// NeedsFallback reports whether the answer contains any trigger phrase.
func (p *Processor) NeedsFallback(answer string) bool {
	for _, phrase := range p.cfg.TriggerPhrases {
		if strings.Contains(answer, phrase) {
			return true
		}
	}
	return false
}

// FallbackReply instantiates the canned reply for the original question.
func (p *Processor) FallbackReply(question string) string {
	return fmt.Sprintf(p.cfg.FallbackTemplate, question)
}

// NeedsSummary reports whether the answer is long enough to summarise.
// Length is counted in characters, not bytes, so CJK text is measured the
// way users perceive it.
func (p *Processor) NeedsSummary(answer string) bool {
	return utf8.RuneCountInString(answer) > p.cfg.SummaryThreshold
}

// Process shapes the generated answer for the original question.
//
// A fallback match wins over everything: the canned reply becomes both the
// display and spoken text and the summarizer is never invoked. Otherwise the
// full answer is displayed and recorded, and the spoken form is either the
// answer verbatim (short answers) or a one-shot summary. A summarizer
// failure degrades to speaking the full answer; it is logged, never
// surfaced.
func (p *Processor) Process(ctx context.Context, question, generated string) Outcome {
	if p.NeedsFallback(generated) {
		reply := p.FallbackReply(question)
		return Outcome{Display: reply, Spoken: reply, FellBack: true}
	}

	out := Outcome{Display: generated, Spoken: generated}
	if !p.NeedsSummary(generated) {
		return out
	}

	summary, err := p.summarize(ctx, generated)
	if err != nil || strings.TrimSpace(summary) == "" {
		p.logger.Warn("summarization failed, speaking full answer",
			"error", err, "answer_chars", utf8.RuneCountInString(generated))
		return out
	}
	out.Spoken = summary
	out.Summarized = true
	return out
}
