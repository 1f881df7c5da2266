package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server-to-client message types.
const (
	msgRecognitionEnded = "recognition_ended"
	msgFinalAnswer      = "final_answer"
	msgSpeechChunk      = "speech_chunk"
	msgSpeechEnded      = "speech_ended"
	msgError            = "error"
)

// serverMessage is the JSON envelope for every server-to-client message.
// Exactly one of the payload fields is set, depending on Type.
type serverMessage struct {
	Type string `json:"type"`

	// Text carries the display answer for final_answer messages.
	Text string `json:"text,omitempty"`

	// Audio carries a base64 chunk of 16-bit PCM for speech_chunk messages.
	Audio string `json:"audio,omitempty"`

	// Message carries the user-facing description for error messages.
	Message string `json:"message,omitempty"`
}

// transport abstracts the client connection so sessions can be exercised in
// tests without a live websocket. Implementations must tolerate Send after
// CloseSend; queued audio for a gone client is simply discarded.
type transport interface {
	Send(msg serverMessage) error
	CloseSend()
}

// defaultWriteTimeout bounds a single outbound websocket write.
const defaultWriteTimeout = 10 * time.Second

// wsTransport sends serverMessage frames over a websocket connection.
// It is safe for concurrent use; after the first write failure or an
// explicit CloseSend, further sends become silent no-ops.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

var _ transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// Send marshals and writes one message. Once the connection is gone the
// message is dropped and nil is returned; the session learns about the
// disconnect from its read loop, not from here.
func (t *wsTransport) Send(msg serverMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s message: %w", msg.Type, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.closed = true
		return fmt.Errorf("gateway: write %s message: %w", msg.Type, err)
	}
	return nil
}

// CloseSend marks the transport closed. Subsequent Send calls are no-ops.
// The websocket itself is closed by the session teardown.
func (t *wsTransport) CloseSend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func encodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
