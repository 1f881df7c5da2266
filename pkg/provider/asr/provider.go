// Package asr defines the Provider interface for streaming speech recognition
// backends.
//
// A recognition session is fed raw PCM audio and emits events through a
// callback supplied at session start. The callback is invoked from the
// provider's own network goroutine, so it must return quickly; the session
// layer hands events off to a queue immediately instead of processing them
// inline.
package asr

import "context"

// EventKind discriminates the recognition events a session emits.
type EventKind int

const (
	// KindOpened signals that the upstream session is established and audio
	// will be recognised from this point on.
	KindOpened EventKind = iota

	// KindTranscript carries a completed utterance transcript.
	KindTranscript

	// KindClosed is the final event of a session. No events follow it.
	KindClosed
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindTranscript:
		return "transcript"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single recognition event.
type Event struct {
	// Kind discriminates the event.
	Kind EventKind

	// Text is the recognised utterance. Set only for KindTranscript.
	Text string

	// Err is the terminal error that ended the session, if any. Set only
	// for KindClosed; nil means a clean shutdown.
	Err error
}

// StreamConfig carries per-session recognition parameters.
type StreamConfig struct {
	// SampleRate is the input audio sample rate in Hz. Zero means the
	// provider default.
	SampleRate int

	// Language is the expected speech language code. Empty means the
	// provider default.
	Language string
}

// SessionHandle is a live recognition session.
type SessionHandle interface {
	// SendAudio queues a chunk of 16-bit little-endian mono PCM for
	// recognition. Returns an error once the session is closed.
	SendAudio(chunk []byte) error

	// Close terminates the session. Safe to call multiple times; the first
	// call wins and later calls are no-ops. The KindClosed event is emitted
	// before Close returns.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
type Provider interface {
	// StartStream opens a recognition session. Events are delivered to
	// onEvent serially, in order, starting with KindOpened and ending with
	// exactly one KindClosed.
	StartStream(ctx context.Context, cfg StreamConfig, onEvent func(Event)) (SessionHandle, error)
}
