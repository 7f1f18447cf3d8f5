// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose exported
// fields that control their behaviour.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	src := &mock.Source{Frames: frames}
//	sink := mock.NewSink(16000)
//	sink.Hold = true // Drain blocks until Flush or Release
package mock

import (
	"context"
	"sync"

	"github.com/mawwalker/moss/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] that republishes whatever the test sends on
// Frames.
type Source struct {
	// Frames feeds Run. When it is closed Run returns Err.
	Frames <-chan audio.Frame

	// Err is returned by Run after Frames is closed. Tests simulating a device
	// failure set it to an error wrapping [audio.ErrDevice].
	Err error

	mu           sync.Mutex
	callCountRun int
}

// Run implements [audio.Source].
func (s *Source) Run(ctx context.Context, publish func(audio.Frame)) error {
	s.mu.Lock()
	s.callCountRun++
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.Frames:
			if !ok {
				return s.Err
			}
			publish(f)
		}
	}
}

// CallCountRun reports how many times Run was invoked.
func (s *Source) CallCountRun() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountRun
}

var _ audio.Source = (*Source)(nil)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records written samples.
type Sink struct {
	// Hold makes Drain block until Flush, Release, or ctx cancellation,
	// simulating audio that is still being played.
	Hold bool

	// WriteErr is returned by every Write call when non-nil.
	WriteErr error

	rate int

	mu          sync.Mutex
	written     [][]int16
	flushes     int
	drains      int
	closed      bool
	wake        chan struct{}
	onWrite     func([]int16)
	onDrainCall func()
}

// NewSink returns a Sink reporting the given sample rate.
func NewSink(rate int) *Sink {
	return &Sink{rate: rate, wake: make(chan struct{})}
}

// OnWrite registers fn to be called for every Write, outside the lock.
func (s *Sink) OnWrite(fn func([]int16)) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

// OnDrain registers fn to be called when Drain starts waiting.
func (s *Sink) OnDrain(fn func()) {
	s.mu.Lock()
	s.onDrainCall = fn
	s.mu.Unlock()
}

// SampleRate implements [audio.Sink].
func (s *Sink) SampleRate() int { return s.rate }

// Write implements [audio.Sink].
func (s *Sink) Write(samples []int16) error {
	s.mu.Lock()
	if s.WriteErr != nil {
		s.mu.Unlock()
		return s.WriteErr
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	s.written = append(s.written, cp)
	fn := s.onWrite
	s.mu.Unlock()
	if fn != nil {
		fn(cp)
	}
	return nil
}

// Drain implements [audio.Sink].
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.drains++
	wake := s.wake
	hold := s.Hold
	fn := s.onDrainCall
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	if !hold {
		return nil
	}
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements [audio.Sink]. It also releases any blocked Drain.
func (s *Sink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.written = nil
	s.releaseLocked()
	s.mu.Unlock()
}

// Release lets a blocked Drain return as if playback finished naturally.
func (s *Sink) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Sink) releaseLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Written returns a copy of all sample blocks written since the last Flush.
func (s *Sink) Written() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int16, len(s.written))
	copy(out, s.written)
	return out
}

// Flushes reports how many times Flush was called.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Drains reports how many times Drain was called.
func (s *Sink) Drains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.Sink = (*Sink)(nil)
