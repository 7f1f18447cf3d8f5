// Package playback owns the output device and the single active utterance
// playing on it.
//
// A [Player] turns reply text into speech through a [tts.Provider] and writes
// the audio to an [audio.Sink] as it arrives, sentence by sentence. At most
// one [Handle] is active at a time: opening a new one cancels the previous one
// and waits for it to finish first.
//
// Cancelling a Handle flushes the sink before the synthesis request is torn
// down, so audio stops within one device buffer even if the TTS service is
// slow to notice the cancellation.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/tts"
)

var (
	// ErrCancelled is returned by [Handle.Wait] when playback was cancelled
	// before it finished.
	ErrCancelled = errors.New("playback: cancelled")

	// ErrSynthesis wraps failures of the TTS provider, as opposed to failures
	// of the output device.
	ErrSynthesis = errors.New("playback: synthesis failed")
)

// DefaultWriteSize is the number of samples written to the sink at once when
// the sink rate gives no better hint: 20ms at 16 kHz.
const DefaultWriteSize = 320

// Option configures a [Player].
type Option func(*Player)

// WithVoice sets the voice profile passed to the TTS provider.
func WithVoice(v tts.VoiceProfile) Option {
	return func(p *Player) { p.voice = v }
}

// WithFirstAudioHook registers fn to be called with the latency between Open
// and the first sample written to the sink.
func WithFirstAudioHook(fn func(time.Duration)) Option {
	return func(p *Player) { p.onFirstAudio = fn }
}

// Player plays synthesised speech and local clips through one sink.
type Player struct {
	sink         audio.Sink
	tts          tts.Provider
	voice        tts.VoiceProfile
	writeSize    int
	onFirstAudio func(time.Duration)

	mu     sync.Mutex
	active *Handle
	closed bool
}

// New returns a Player writing to sink. provider may be nil when only clips
// are played.
func New(sink audio.Sink, provider tts.Provider, opts ...Option) (*Player, error) {
	if sink == nil {
		return nil, errors.New("playback: sink must not be nil")
	}
	p := &Player{
		sink:      sink,
		tts:       provider,
		writeSize: DefaultWriteSize,
	}
	if r := sink.SampleRate(); r > 0 {
		p.writeSize = r / 50
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open starts speaking text and returns immediately. Any playback still
// active is cancelled, and has finished, before synthesis starts.
//
// The returned error wraps [ErrSynthesis] when the TTS stream could not be
// started.
func (p *Player) Open(ctx context.Context, text string) (*Handle, error) {
	if p.tts == nil {
		return nil, fmt.Errorf("%w: no TTS provider configured", ErrSynthesis)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.prepareLocked(); err != nil {
		return nil, err
	}

	start := time.Now()
	hctx, cancel := context.WithCancel(ctx)
	chunks, err := p.tts.SynthesizeStream(hctx, tts.Feed(text), p.voice)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	h := newHandle(p.sink, cancel)
	p.active = h
	go p.playStream(hctx, h, chunks, p.tts.SampleRate(), start)
	return h, nil
}

// PlayClip plays a decoded clip through the same slot as speech.
func (p *Player) PlayClip(ctx context.Context, clip Clip) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.prepareLocked(); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(ctx)
	h := newHandle(p.sink, cancel)
	p.active = h
	samples := audio.ResampleMono16(clip.Samples, clip.SampleRate, p.sink.SampleRate())
	go func() {
		err := p.write(hctx, samples)
		if err == nil {
			err = p.sink.Drain(hctx)
		}
		h.finish(hctx, err)
	}()
	return h, nil
}

// Stop cancels the active playback, if any, and waits for it to finish.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Active reports whether a playback is in progress.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return false
	}
	select {
	case <-p.active.Done():
		return false
	default:
		return true
	}
}

// Close stops playback and releases the sink.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.stopLocked()
	p.closed = true
	return p.sink.Close()
}

func (p *Player) prepareLocked() error {
	if p.closed {
		return errors.New("playback: player is closed")
	}
	p.stopLocked()
	return nil
}

func (p *Player) stopLocked() {
	if p.active == nil {
		return
	}
	p.active.Cancel()
	<-p.active.Done()
	p.active = nil
}

// playStream writes synthesised chunks to the sink as they arrive, then waits
// for the sink to play out.
func (p *Player) playStream(ctx context.Context, h *Handle, chunks <-chan tts.Chunk, rate int, start time.Time) {
	// Unblock the provider if we stop reading early.
	defer func() { go audio.Drain(chunks) }()

	first := true
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.Err != nil {
				err = fmt.Errorf("%w: %w", ErrSynthesis, c.Err)
				break loop
			}
			if len(c.Samples) == 0 {
				continue
			}
			if first {
				first = false
				if p.onFirstAudio != nil {
					p.onFirstAudio(time.Since(start))
				}
			}
			samples := audio.ResampleMono16(c.Samples, rate, p.sink.SampleRate())
			if err = p.write(ctx, samples); err != nil {
				break loop
			}
		}
	}
	if err == nil && ctx.Err() == nil {
		err = p.sink.Drain(ctx)
	}
	h.finish(ctx, err)
}

// write hands samples to the sink in device-sized pieces so that a
// cancellation is noticed between pieces.
func (p *Player) write(ctx context.Context, samples []int16) error {
	for _, part := range audio.Chunk(samples, p.writeSize) {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.sink.Write(part); err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}
	}
	return nil
}

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle controls one playback. All methods are safe for concurrent use.
type Handle struct {
	sink   audio.Sink
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu        sync.Mutex
	finished  bool
	cancelled bool
	err       error
}

func newHandle(sink audio.Sink, cancel context.CancelFunc) *Handle {
	return &Handle{sink: sink, cancel: cancel, done: make(chan struct{})}
}

// Cancel stops output and tears down synthesis. It returns once the sink has
// been flushed; it does not wait for the playback goroutine (use Done for
// that). Cancelling a finished handle is a no-op, and so is a second Cancel.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.mu.Lock()
		if h.finished {
			h.mu.Unlock()
			return
		}
		h.cancelled = true
		h.mu.Unlock()

		h.sink.Flush()
		h.cancel()
	})
}

// Done is closed when the playback has finished, naturally or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the playback finishes or ctx is done. It returns nil on
// natural completion, [ErrCancelled] if the playback was cancelled, and the
// synthesis or device error otherwise.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(ctx context.Context, err error) {
	h.mu.Lock()
	h.finished = true
	switch {
	case h.cancelled, ctx.Err() != nil:
		h.err = ErrCancelled
	default:
		h.err = err
	}
	if h.err != nil && !errors.Is(h.err, ErrCancelled) {
		slog.Debug("playback: ended with error", "err", h.err)
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}
