// Package gateway exposes the realtime voice endpoint. It accepts websocket
// connections, wires each one into a full conversation session (recognition
// stream in, answer pipeline in the middle, synthesis stream out), and
// guarantees the session is torn down once regardless of which side fails
// first.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/halvick/parley/internal/answer"
	"github.com/halvick/parley/internal/convo"
	"github.com/halvick/parley/internal/observe"
	"github.com/halvick/parley/pkg/provider/asr"
	"github.com/halvick/parley/pkg/provider/llm"
	"github.com/halvick/parley/pkg/provider/speech"
)

// Server accepts voice-chat websocket connections and runs a Session per
// connection. All fields are shared across sessions and must be safe for
// concurrent use.
type Server struct {
	llm       llm.Provider
	retriever convo.Retriever
	asr       asr.Provider
	tts       speech.Provider

	asrCfg asr.StreamConfig
	ttsCfg speech.StreamConfig

	answerMu  sync.Mutex
	answerCfg answer.Config

	questionQueueDepth int

	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Server during construction.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to the process-wide instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRecognitionConfig sets the per-session recognition parameters.
func WithRecognitionConfig(cfg asr.StreamConfig) Option {
	return func(s *Server) { s.asrCfg = cfg }
}

// WithSynthesisConfig sets the per-utterance synthesis parameters.
func WithSynthesisConfig(cfg speech.StreamConfig) Option {
	return func(s *Server) { s.ttsCfg = cfg }
}

// WithAnswerConfig sets the answer post-processing parameters.
func WithAnswerConfig(cfg answer.Config) Option {
	return func(s *Server) { s.answerCfg = cfg }
}

// WithQuestionQueueDepth bounds how many questions a session may queue
// behind the one being answered.
func WithQuestionQueueDepth(n int) Option {
	return func(s *Server) { s.questionQueueDepth = n }
}

// NewServer constructs a Server from its shared dependencies.
func NewServer(provider llm.Provider, retriever convo.Retriever, recognizer asr.Provider, synthesizer speech.Provider, opts ...Option) (*Server, error) {
	if provider == nil || retriever == nil || recognizer == nil || synthesizer == nil {
		return nil, fmt.Errorf("gateway: llm, retriever, recognizer and synthesizer are all required")
	}
	s := &Server{
		llm:       provider,
		retriever: retriever,
		asr:       recognizer,
		tts:       synthesizer,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetAnswerConfig replaces the answer post-processing parameters at runtime,
// for config hot reload. Existing sessions keep the values they started
// with; new sessions pick up the replacement.
func (s *Server) SetAnswerConfig(cfg answer.Config) {
	s.answerMu.Lock()
	s.answerCfg = cfg
	s.answerMu.Unlock()
}

// newPostProcessor builds the per-session answer shaper. Sessions get their
// own instance so its logs carry the session id.
func (s *Server) newPostProcessor(logger *slog.Logger) (*answer.Processor, error) {
	s.answerMu.Lock()
	cfg := s.answerCfg
	s.answerMu.Unlock()
	return answer.NewProcessor(cfg, convo.Summarizer(s.llm, s.metrics), logger)
}

// ServeHTTP upgrades the request to a websocket and runs the session until
// the client disconnects or the recognition stream ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess, err := s.newSession(r.Context(), conn)
	if err != nil {
		s.logger.Error("session setup failed", "error", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	sess.Run(r.Context())
}
