// Package mock provides test doubles for the speech.Provider and
// speech.SessionHandle interfaces.
//
// The Session exposes an Emit method so tests can drive synthesis events
// into the code under test as if they arrived from a live backend.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/halvick/parley/pkg/provider/speech"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the stream configuration passed to StartStream.
	Cfg speech.StreamConfig
}

// Provider is a mock implementation of speech.Provider.
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
func (p *Provider) StartStream(ctx context.Context, cfg speech.StreamConfig, onEvent func(speech.Event)) (speech.SessionHandle, error) {
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

// Session is a mock implementation of speech.SessionHandle.
type Session struct {
	mu      sync.Mutex
	onEvent func(speech.Event)
	closed  bool

	// AppendTextErr, if non-nil, is returned from AppendText.
	AppendTextErr error

	// FinishErr, if non-nil, is returned from Finish.
	FinishErr error

	// AppendedText records every string passed to AppendText.
	AppendedText []string

	// FinishCount is the number of times Finish was called.
	FinishCount int

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// Emit delivers an event to the callback registered at StartStream. Events
// are not emitted after Close, matching the live session contract.
func (s *Session) Emit(ev speech.Event) {
	s.mu.Lock()
	closed := s.closed
	fn := s.onEvent
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(ev)
}

// AppendText records the text.
func (s *Session) AppendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock speech: session is closed")
	}
	if s.AppendTextErr != nil {
		return s.AppendTextErr
	}
	s.AppendedText = append(s.AppendedText, text)
	return nil
}

// Finish records the call.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock speech: session is closed")
	}
	if s.FinishErr != nil {
		return s.FinishErr
	}
	s.FinishCount++
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
		fn(speech.Event{Kind: speech.KindClosed})
	}
	return nil
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ speech.Provider      = (*Provider)(nil)
	_ speech.SessionHandle = (*Session)(nil)
)
