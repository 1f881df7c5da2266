// Package dashscope provides a synthesis provider backed by DashScope's
// realtime TTS WebSocket API. It implements the speech.Provider interface.
//
// The wire protocol mirrors DashScope's qwen-tts-realtime mode: the client
// appends text with input_text_buffer.append and finishes the session with
// session.finish; the server streams base64 PCM in response.audio.delta
// events and signals completion with session.finished.
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

	"github.com/halvick/parley/pkg/provider/speech"
)

const (
	dashscopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"
	defaultModel      = "qwen-tts-realtime"
	defaultVoice      = "Cherry"
	defaultSampleRate = 24000
)

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the DashScope synthesis model.
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

// WithVoice sets the default synthesis voice.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// Provider implements speech.Provider backed by the DashScope realtime API.
type Provider struct {
	apiKey   string
	model    string
	voice    string
	endpoint string
}

// New creates a new DashScope synthesis Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope speech: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		voice:    defaultVoice,
		endpoint: dashscopeEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a realtime synthesis session.
func (p *Provider) StartStream(ctx context.Context, cfg speech.StreamConfig, onEvent func(speech.Event)) (speech.SessionHandle, error) {
	if onEvent == nil {
		return nil, errors.New("dashscope speech: onEvent must not be nil")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("dashscope speech: parse endpoint: %w", err)
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
		return nil, fmt.Errorf("dashscope speech: dial: %w", err)
	}

	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	sess := &session{
		conn:    conn,
		onEvent: onEvent,
		outgoing: make(chan outboundMsg, 64),
		done:    make(chan struct{}),
	}

	if err := sess.sendSessionUpdate(ctx, voice, sr); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("dashscope speech: configure session: %w", err)
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- session ----

// outboundMsg is a queued client event.
type outboundMsg struct {
	payload []byte
}

// serverEvent is the JSON envelope of messages pushed by DashScope.
type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// session is a live DashScope synthesis session. It implements
// speech.SessionHandle. All events are emitted from readLoop, which
// guarantees serial in-order delivery and exactly one KindClosed.
type session struct {
	conn     *websocket.Conn
	onEvent  func(speech.Event)
	outgoing chan outboundMsg

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	termErr error
}

// AppendText queues text for synthesis.
func (s *session) AppendText(text string) error {
	if text == "" {
		return nil
	}
	msg, err := json.Marshal(map[string]string{
		"type": "input_text_buffer.append",
		"text": text,
	})
	if err != nil {
		return fmt.Errorf("dashscope speech: marshal append: %w", err)
	}
	return s.enqueue(msg)
}

// Finish marks the end of input text.
func (s *session) Finish() error {
	msg, err := json.Marshal(map[string]string{
		"type": "session.finish",
	})
	if err != nil {
		return fmt.Errorf("dashscope speech: marshal finish: %w", err)
	}
	return s.enqueue(msg)
}

// enqueue hands a client event to the write loop.
func (s *session) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return errors.New("dashscope speech: session is closed")
	default:
	}
	select {
	case s.outgoing <- outboundMsg{payload: payload}:
		return nil
	case <-s.done:
		return errors.New("dashscope speech: session is closed")
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

// sendSessionUpdate configures the upstream session for PCM synthesis.
func (s *session) sendSessionUpdate(ctx context.Context, voice string, sampleRate int) error {
	msg := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":           voice,
			"response_format": "pcm",
			"sample_rate":     sampleRate,
			"mode":            "server_commit",
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop forwards queued client events upstream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.outgoing:
			if err := s.conn.Write(ctx, websocket.MessageText, msg.payload); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued.
			for {
				select {
				case msg := <-s.outgoing:
					if err := s.conn.Write(ctx, websocket.MessageText, msg.payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop receives server events and forwards them to the callback. It is
// the sole event emitter; its deferred KindClosed is the session's last event.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.errMu.Lock()
		err := s.termErr
		s.errMu.Unlock()
		s.onEvent(speech.Event{Kind: speech.KindClosed, Err: err})
	}()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Closed locally, clean shutdown.
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("dashscope speech: read: %w", err))
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
			s.onEvent(speech.Event{Kind: speech.KindOpened})
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil || len(audio) == 0 {
				continue
			}
			s.onEvent(speech.Event{Kind: speech.KindAudioChunk, Audio: audio})
		case "session.finished":
			s.onEvent(speech.Event{Kind: speech.KindFinished})
		case "error":
			s.setErr(fmt.Errorf("dashscope speech: server error: %s", ev.Error.Message))
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
