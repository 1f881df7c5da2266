// Package mock provides test doubles for the asr.Provider and
// asr.SessionHandle interfaces.
//
// The Session exposes an Emit method so tests can drive recognition events
// into the code under test as if they arrived from a live backend.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/halvick/parley/pkg/provider/asr"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the stream configuration passed to StartStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream in order.
	StartStreamCalls []StartStreamCall

	// Sessions holds every session returned by StartStream, in order.
	Sessions []*Session
}

// StartStream records the call and returns a fresh mock Session wired to the
// supplied callback.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig, onEvent func(asr.Event)) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := &Session{onEvent: onEvent}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Session is a mock implementation of asr.SessionHandle.
type Session struct {
	mu      sync.Mutex
	onEvent func(asr.Event)
	closed  bool

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// Emit delivers an event to the callback registered at StartStream. Events
// are not emitted after Close, matching the live session contract.
func (s *Session) Emit(ev asr.Event) {
	s.mu.Lock()
	closed := s.closed
	fn := s.onEvent
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(ev)
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock asr: session is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return nil
}

// Close emits the terminal KindClosed event on first call.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.CloseCount++
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.CloseCount++
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(asr.Event{Kind: asr.KindClosed})
	}
	return nil
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ asr.Provider      = (*Provider)(nil)
	_ asr.SessionHandle = (*Session)(nil)
)
