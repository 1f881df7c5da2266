// Package speech defines the Provider interface for streaming speech
// synthesis backends.
//
// A synthesis session accepts incremental text and emits audio events through
// a callback supplied at session start. The callback runs on the provider's
// network goroutine and must return quickly; the session layer hands events
// off to a queue rather than processing them inline.
package speech

import "context"

// EventKind discriminates the synthesis events a session emits.
type EventKind int

const (
	// KindOpened signals that the upstream session is established.
	KindOpened EventKind = iota

	// KindAudioChunk carries a chunk of synthesised PCM audio.
	KindAudioChunk

	// KindFinished signals that all audio for the appended text has been
	// delivered. Emitted after Finish once synthesis has drained.
	KindFinished

	// KindClosed is the final event of a session. No events follow it.
	KindClosed
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindAudioChunk:
		return "audio_chunk"
	case KindFinished:
		return "finished"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single synthesis event.
type Event struct {
	// Kind discriminates the event.
	Kind EventKind

	// Audio is a chunk of 16-bit little-endian mono PCM. Set only for
	// KindAudioChunk. The slice must not be retained past the callback.
	Audio []byte

	// Err is the terminal error that ended the session, if any. Set only
	// for KindClosed; nil means a clean shutdown.
	Err error
}

// StreamConfig carries per-session synthesis parameters.
type StreamConfig struct {
	// Voice selects the synthesis voice. Empty means the provider default.
	Voice string

	// SampleRate is the output audio sample rate in Hz. Zero means the
	// provider default.
	SampleRate int
}

// SessionHandle is a live synthesis session.
type SessionHandle interface {
	// AppendText queues text for synthesis. May be called repeatedly to
	// stream a long answer. Returns an error once the session is closed.
	AppendText(text string) error

	// Finish marks the end of input. Remaining audio is still delivered,
	// followed by a KindFinished event.
	Finish() error

	// Close terminates the session. Safe to call multiple times; the first
	// call wins. The KindClosed event is emitted before Close returns.
	Close() error
}

// Provider is the abstraction over any streaming synthesis backend.
type Provider interface {
	// StartStream opens a synthesis session. Events are delivered to
	// onEvent serially, in order, starting with KindOpened and ending with
	// exactly one KindClosed.
	StartStream(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (SessionHandle, error)
}
