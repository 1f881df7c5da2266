package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/halvick/parley/internal/bridge"
	"github.com/halvick/parley/internal/convo"
	"github.com/halvick/parley/internal/observe"
	"github.com/halvick/parley/pkg/provider/asr"
	"github.com/halvick/parley/pkg/provider/speech"
)

// Session owns one client conversation: the websocket, the recognition and
// synthesis streams, their event bridges, and the question pipeline. It is
// created by the server per accepted connection and torn down exactly once,
// no matter how many of its inputs fail.
type Session struct {
	id        string
	conn      *websocket.Conn
	transport transport
	logger    *slog.Logger
	metrics   *observe.Metrics

	ttsProvider speech.Provider
	ttsCfg      speech.StreamConfig

	recogBridge *bridge.Bridge[asr.Event]
	synthBridge *bridge.Bridge[speech.Event]

	recog asr.SessionHandle
	orch  *convo.Orchestrator

	// ttsMu guards the per-utterance synthesis handle.
	ttsMu sync.Mutex
	tts   speech.SessionHandle

	// ctx outlives individual questions; per-utterance synthesis streams
	// are started from it.
	ctx context.Context

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Compile-time assertion that Session is a valid pipeline sink.
var _ convo.Sink = (*Session)(nil)

// newSession wires a full conversation around an accepted websocket.
// The recognition stream, both bridges and the orchestrator worker are live
// when it returns.
func (s *Server) newSession(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	sess := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		transport:   newWSTransport(conn),
		metrics:     s.metrics,
		ttsProvider: s.tts,
		ttsCfg:      s.ttsCfg,
		ctx:         ctx,
		closedCh:    make(chan struct{}),
	}
	sess.logger = s.logger.With("session_id", sess.id)

	// Bridges first: provider callbacks may fire before StartStream returns.
	sess.recogBridge = bridge.New(sess.handleRecognitionEvent)
	sess.synthBridge = bridge.New(sess.handleSynthesisEvent)

	post, err := s.newPostProcessor(sess.logger)
	if err != nil {
		sess.teardownPartial()
		return nil, err
	}
	orch, err := convo.New(ctx, s.llm, s.retriever, post, sess,
		convo.WithLogger(sess.logger), convo.WithMetrics(s.metrics),
		convo.WithQueueDepth(s.questionQueueDepth))
	if err != nil {
		sess.teardownPartial()
		return nil, err
	}
	sess.orch = orch

	recog, err := s.asr.StartStream(ctx, s.asrCfg, func(ev asr.Event) {
		sess.recogBridge.Submit(ev)
	})
	if err != nil {
		orch.Close()
		sess.teardownPartial()
		return nil, fmt.Errorf("gateway: start recognition stream: %w", err)
	}
	sess.recog = recog

	s.metrics.ActiveSessions.Add(ctx, 1)
	sess.logger.Info("session started")
	return sess, nil
}

// teardownPartial releases what newSession has built when a later wiring
// step fails.
func (s *Session) teardownPartial() {
	s.recogBridge.Close()
	s.synthBridge.Close()
}

// Run pumps client audio into the recognition stream until the connection
// drops or the session is closed. Binary frames carry 16-bit little-endian
// mono PCM; anything else violates the protocol and is dropped with a log
// line, leaving the session intact.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closedCh:
				// Expected: teardown closed the socket under us.
			default:
				s.logger.Info("client connection closed", "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.logger.Warn("dropping non-binary client frame", "type", typ, "bytes", len(data))
			continue
		}
		if err := s.recog.SendAudio(data); err != nil {
			s.logger.Warn("recognition stream rejected audio", "error", err)
			return
		}
	}
}

// Close tears the session down exactly once: pipeline first so no new
// answers start, then the recognition and synthesis streams, then the
// bridges, and finally the websocket. Safe to call from any goroutine,
// including bridge handlers.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		s.logger.Info("session closing")

		s.orch.Close()
		if err := s.recog.Close(); err != nil {
			s.logger.Warn("recognition stream close", "error", err)
		}
		s.closeTTS()

		s.recogBridge.Close()
		s.synthBridge.Close()
		s.recordBridgeDrops()

		s.transport.CloseSend()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.logger.Info("session closed")
	})
}

func (s *Session) closeTTS() {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	if s.tts != nil {
		if err := s.tts.Close(); err != nil {
			s.logger.Warn("synthesis stream close", "error", err)
		}
		s.tts = nil
	}
}

func (s *Session) recordBridgeDrops() {
	ctx := context.Background()
	if n := s.recogBridge.Dropped(); n > 0 {
		s.metrics.BridgeDropped.Add(ctx, int64(n),
			metric.WithAttributes(observe.Attr("bridge", "recognition")))
	}
	if n := s.synthBridge.Dropped(); n > 0 {
		s.metrics.BridgeDropped.Add(ctx, int64(n),
			metric.WithAttributes(observe.Attr("bridge", "synthesis")))
	}
}

// ─── Recognition bridge ───────────────────────────────────────────────────────

// handleRecognitionEvent consumes recognition events in order. A transcript
// feeds the question pipeline; the stream's terminal event cascades into a
// full session teardown, which also shuts the synthesis side down.
func (s *Session) handleRecognitionEvent(ev asr.Event) bool {
	switch ev.Kind {
	case asr.KindOpened:
		s.logger.Info("recognition stream open")
	case asr.KindTranscript:
		s.logger.Info("transcript finalised", "chars", len([]rune(ev.Text)))
		s.orch.Submit(ev.Text)
	case asr.KindClosed:
		if ev.Err != nil {
			s.logger.Error("recognition stream failed", "error", ev.Err)
			s.sendError("语音识别服务暂时不可用，请重新连接。")
		}
		// Teardown from a fresh goroutine: Close stops this bridge too.
		go s.Close()
		return false
	}
	return true
}

// ─── Synthesis bridge ─────────────────────────────────────────────────────────

// handleSynthesisEvent consumes synthesis events in order and forwards audio
// to the client. When the transport is already gone, sends silently discard,
// which drains an in-flight utterance without stalling teardown.
func (s *Session) handleSynthesisEvent(ev speech.Event) bool {
	switch ev.Kind {
	case speech.KindOpened:
		s.logger.Debug("synthesis stream open")
	case speech.KindAudioChunk:
		if err := s.transport.Send(serverMessage{Type: msgSpeechChunk, Audio: encodeAudio(ev.Audio)}); err != nil {
			s.logger.Warn("speech chunk delivery failed", "error", err)
		}
	case speech.KindFinished:
		if err := s.transport.Send(serverMessage{Type: msgSpeechEnded}); err != nil {
			s.logger.Warn("speech_ended delivery failed", "error", err)
		}
	case speech.KindClosed:
		if ev.Err != nil {
			s.logger.Warn("synthesis stream ended with error", "error", ev.Err)
		}
		// Per-utterance streams come and go; the bridge serves them all.
	}
	return true
}

// ─── convo.Sink ───────────────────────────────────────────────────────────────

// RecognitionEnded acknowledges an accepted transcript to the client.
func (s *Session) RecognitionEnded() {
	if err := s.transport.Send(serverMessage{Type: msgRecognitionEnded}); err != nil {
		s.logger.Warn("recognition_ended delivery failed", "error", err)
	}
}

// AnswerReady delivers the display text of the answer.
func (s *Session) AnswerReady(text string) {
	if err := s.transport.Send(serverMessage{Type: msgFinalAnswer, Text: text}); err != nil {
		s.logger.Warn("final_answer delivery failed", "error", err)
	}
}

// Speak synthesises the spoken text on a fresh per-utterance stream. The
// upstream voice service treats each finished input as a complete session,
// so every answer gets its own stream; all of them feed the one synthesis
// bridge.
func (s *Session) Speak(text string) error {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()

	select {
	case <-s.closedCh:
		return fmt.Errorf("gateway: session closed")
	default:
	}

	if s.tts != nil {
		// Previous utterance has finished by the time a new answer arrives;
		// closing an already-finished stream is a no-op.
		_ = s.tts.Close()
		s.tts = nil
	}

	handle, err := s.ttsProvider.StartStream(s.ctx, s.ttsCfg, func(ev speech.Event) {
		if ev.Kind == speech.KindAudioChunk {
			// The provider reuses the audio buffer after the callback.
			ev.Audio = append([]byte(nil), ev.Audio...)
		}
		s.synthBridge.Submit(ev)
	})
	if err != nil {
		return fmt.Errorf("gateway: start synthesis stream: %w", err)
	}
	s.tts = handle

	if err := handle.AppendText(text); err != nil {
		return fmt.Errorf("gateway: append synthesis text: %w", err)
	}
	if err := handle.Finish(); err != nil {
		return fmt.Errorf("gateway: finish synthesis input: %w", err)
	}
	return nil
}

// Failed delivers a user-facing error for one question. The session stays
// open for the next question.
func (s *Session) Failed(message string) {
	s.sendError(message)
}

func (s *Session) sendError(message string) {
	if err := s.transport.Send(serverMessage{Type: msgError, Message: message}); err != nil {
		s.logger.Warn("error delivery failed", "error", err)
	}
}
