// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to observe which sessions the code under test opens, and the
// Session methods Emit and Fail to script what the "service" says back.
//
// Example:
//
//	p := mock.NewProvider()
//	go codeUnderTest(p)
//	sess := <-p.Started()
//	sess.Emit(stt.Event{Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mawwalker/moss/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider. Every successful
// StartStream creates a fresh [Session].
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions  []*Session
	started   chan *Session
	dialDelay time.Duration
}

// NewProvider returns a Provider ready for use.
func NewProvider() *Provider {
	return &Provider{started: make(chan *Session, 16)}
}

// StartStream records the call and returns a new Session or StartStreamErr.
// With a dial delay set it first waits that long, or until ctx is done.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	delay := p.dialDelay
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	select {
	case p.started <- s:
	default:
	}
	return s, nil
}

// SetDialDelay makes subsequent StartStream calls take d to connect.
func (p *Provider) SetDialDelay(d time.Duration) {
	p.mu.Lock()
	p.dialDelay = d
	p.mu.Unlock()
}

// StartStreamCallCount reports how many times StartStream was called,
// including calls still connecting.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// SetStartStreamErr sets the error returned by subsequent StartStream calls.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	p.StartStreamErr = err
	p.mu.Unlock()
}

// Started delivers each session as it is opened.
func (p *Provider) Started() <-chan *Session { return p.started }

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// OpenSessions reports how many sessions have not been closed.
func (p *Provider) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock stt.SessionHandle that honours the event contract: the
// events channel closes after a final, on Fail, and on Close.
type Session struct {
	mu       sync.Mutex
	events   chan stt.Event
	ended    bool
	closed   bool
	err      error
	audio    [][]byte
	closeErr error
}

// NewSession returns an open Session.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// SendAudio records a copy of chunk. Returns stt.ErrSessionClosed after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.endLocked()
	return s.closeErr
}

// Emit delivers ev to the consumer. A final event ends the stream. Emit after
// the stream ended is a no-op.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
	if ev.Final {
		s.endLocked()
	}
}

// Fail ends the stream without a final and makes Err return err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.endLocked()
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Audio returns every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
