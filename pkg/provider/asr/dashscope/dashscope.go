// Package dashscope provides a recognition provider backed by DashScope's
// realtime WebSocket API. It implements the asr.Provider interface.
//
// The wire protocol is DashScope's OpenAI-realtime-compatible mode: the
// client appends base64 PCM via input_audio_buffer.append events and the
// server pushes completed utterance transcripts as
// conversation.item.input_audio_transcription.completed events.
package dashscope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/halvick/parley/pkg/provider/asr"
)

const (
	dashscopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"
	defaultModel      = "gummy-realtime-v1"
	defaultLanguage   = "zh"
	defaultSampleRate = 16000
)

// transcriptionCompleted is the server event carrying a finished utterance.
const transcriptionCompleted = "conversation.item.input_audio_transcription.completed"

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the DashScope recognition model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithLanguage sets the default recognition language code.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements asr.Provider backed by the DashScope realtime API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new DashScope recognition Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope asr: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: dashscopeEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a realtime recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig, onEvent func(asr.Event)) (asr.SessionHandle, error) {
	if onEvent == nil {
		return nil, errors.New("dashscope asr: onEvent must not be nil")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("dashscope asr: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("dashscope asr: dial: %w", err)
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	sess := &session{
		conn:    conn,
		onEvent: onEvent,
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	if err := sess.sendSessionUpdate(ctx, sr, lang); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("dashscope asr: configure session: %w", err)
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- session ----

// serverEvent is the JSON envelope of messages pushed by DashScope.
type serverEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Error      struct {
		Message string `json:"message"`
	} `json:"error"`
}

// session is a live DashScope recognition session. It implements
// asr.SessionHandle. All events are emitted from readLoop, which guarantees
// serial in-order delivery and exactly one KindClosed.
type session struct {
	conn    *websocket.Conn
	onEvent func(asr.Event)
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	termErr error
}

// SendAudio queues a PCM chunk for delivery to DashScope.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("dashscope asr: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("dashscope asr: session is closed")
	}
}

// Close terminates the session. The KindClosed event is emitted before Close
// returns. Safe to call multiple times.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// sendSessionUpdate configures the upstream session for PCM transcription.
func (s *session) sendSessionUpdate(ctx context.Context, sampleRate int, language string) error {
	msg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":         []string{"text"},
			"input_audio_format": "pcm16",
			"sample_rate":        sampleRate,
			"input_audio_transcription": map[string]any{
				"language": language,
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop reads from the audio channel and appends base64 PCM upstream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.writeAppend(ctx, chunk); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-s.audio:
					if err := s.writeAppend(ctx, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeAppend sends one input_audio_buffer.append event.
func (s *session) writeAppend(ctx context.Context, chunk []byte) error {
	msg := map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop receives server events and forwards them to the callback. It is
// the sole event emitter; its deferred KindClosed is the session's last event.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.errMu.Lock()
		err := s.termErr
		s.errMu.Unlock()
		s.onEvent(asr.Event{Kind: asr.KindClosed, Err: err})
	}()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Closed locally, clean shutdown.
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("dashscope asr: read: %w", err))
				}
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "session.created":
			s.onEvent(asr.Event{Kind: asr.KindOpened})
		case transcriptionCompleted:
			if ev.Transcript != "" {
				s.onEvent(asr.Event{Kind: asr.KindTranscript, Text: ev.Transcript})
			}
		case "error":
			s.setErr(fmt.Errorf("dashscope asr: server error: %s", ev.Error.Message))
			return
		}
	}
}

// setErr records the first terminal error.
func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.termErr == nil {
		s.termErr = err
	}
	s.errMu.Unlock()
}
