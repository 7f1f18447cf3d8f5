// Package device binds the local microphone and speaker to [audio.Source] and
// [audio.Sink].
//
// Capture uses miniaudio through github.com/gen2brain/malgo; playback uses
// github.com/ebitengine/oto/v3. Both devices are opened by their constructors
// so that a missing device fails process startup rather than the first
// interaction.
package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/mawwalker/moss/pkg/audio"
)

// captureBacklog bounds the hand-off between the realtime device callback and
// the framing goroutine. The callback never blocks; periods beyond the backlog
// are dropped.
const captureBacklog = 64

// MicrophoneConfig configures [NewMicrophone].
type MicrophoneConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// FrameDuration is the length of each published frame. Default: 100ms.
	FrameDuration time.Duration

	// PeriodMs is the device callback period. Default: 20.
	PeriodMs int
}

// Microphone captures mono int16 PCM from the default input device.
type Microphone struct {
	cfg    MicrophoneConfig
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	periods chan []int16
	stopped chan struct{}
	stopOne sync.Once
	dropped atomic.Int64
}

var _ audio.Source = (*Microphone)(nil)

// NewMicrophone opens the default capture device. The device is not started
// until [Microphone.Run].
func NewMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 100 * time.Millisecond
	}
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = 20
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init capture context: %v", audio.ErrDevice, err)
	}

	m := &Microphone{
		cfg:     cfg,
		mctx:    mctx,
		periods: make(chan []int16, captureBacklog),
		stopped: make(chan struct{}),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples := audio.DecodePCM16(input)
			select {
			case m.periods <- samples:
			default:
				m.dropped.Add(1)
			}
		},
		Stop: func() {
			m.stopOne.Do(func() { close(m.stopped) })
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: open microphone: %v", audio.ErrDevice, err)
	}
	m.device = dev
	return m, nil
}

// Run implements [audio.Source]. It starts the device and publishes complete
// frames until ctx is cancelled or the device stops on its own.
func (m *Microphone) Run(ctx context.Context, publish func(audio.Frame)) error {
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("%w: start microphone: %v", audio.ErrDevice, err)
	}
	slog.Info("microphone started", "sample_rate", m.cfg.SampleRate, "frame", m.cfg.FrameDuration)

	frameSamples := int(int64(m.cfg.SampleRate) * int64(m.cfg.FrameDuration) / int64(time.Second))
	framer := audio.NewFramer(m.cfg.SampleRate, 1, frameSamples)

	for {
		select {
		case <-ctx.Done():
			_ = m.device.Stop()
			return nil
		case <-m.stopped:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: microphone stopped unexpectedly", audio.ErrDevice)
		case p := <-m.periods:
			framer.Push(p, publish)
		}
	}
}

// Close releases the capture device and its context.
func (m *Microphone) Close() error {
	m.device.Uninit()
	err := m.mctx.Uninit()
	m.mctx.Free()
	if n := m.dropped.Load(); n > 0 {
		slog.Warn("microphone dropped capture periods", "count", n)
	}
	return err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// SpeakerConfig configures [NewSpeaker].
type SpeakerConfig struct {
	// SampleRate in Hz. Default: 24000.
	SampleRate int

	// Buffer is oto's device buffer length. Default: 100ms.
	Buffer time.Duration

	// MaxQueued bounds the audio waiting to be played. Write blocks while the
	// queue is full. Default: 2s.
	MaxQueued time.Duration
}

// output is the part of an oto context the speaker drives.
type output interface {
	NewPlayer(r io.Reader) player
	Err() error
	Suspend() error
}

// player is the part of an oto player the speaker drives.
type player interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

type otoOutput struct{ *oto.Context }

func (o otoOutput) NewPlayer(r io.Reader) player { return o.Context.NewPlayer(r) }

// Speaker plays mono int16 PCM on the default output device.
//
// Written samples wait in a bounded queue that an oto player pulls from. An
// oto player stops reading its source for good once the source reports EOF,
// so the reader blocks on an empty queue and only reports EOF when Drain ends
// the utterance or Flush discards it. The next Write then starts a fresh
// player.
type Speaker struct {
	rate  int
	limit int // queue bound in bytes
	out   output

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	stream  *pcmStream
	player  player
	gen     uint64 // bumped by Flush
	flushed chan struct{}
	closed  bool
}

var _ audio.Sink = (*Speaker)(nil)

// NewSpeaker opens the default output device.
func NewSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100 * time.Millisecond
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 2 * time.Second
	}
	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.Buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open speaker: %v", audio.ErrDevice, err)
	}
	<-ready
	limit := int(int64(cfg.SampleRate) * 2 * int64(cfg.MaxQueued) / int64(time.Second))
	return newSpeaker(otoOutput{octx}, cfg.SampleRate, limit), nil
}

func newSpeaker(out output, rate, limit int) *Speaker {
	s := &Speaker{
		rate:    rate,
		limit:   max(limit, 2),
		out:     out,
		flushed: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SampleRate implements [audio.Sink].
func (s *Speaker) SampleRate() int { return s.rate }

// Write implements [audio.Sink]. It blocks while the queue is full and
// returns early, dropping the rest, when Flush runs meanwhile.
//
// Player methods are never called with s.mu held.
func (s *Speaker) Write(samples []int16) error {
	if err := s.out.Err(); err != nil {
		return fmt.Errorf("%w: %v", audio.ErrDevice, err)
	}
	data := audio.EncodePCM16(samples)

	s.mu.Lock()
	gen := s.gen
	for len(data) > 0 {
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("%w: speaker closed", audio.ErrDevice)
		}
		if s.gen != gen {
			s.mu.Unlock()
			return nil
		}
		room := s.limit - len(s.buf)
		if room <= 0 {
			s.cond.Wait()
			continue
		}
		n := min(room, len(data))
		s.buf = append(s.buf, data[:n]...)
		data = data[n:]
		s.cond.Broadcast()

		if s.stream == nil || s.stream.ending {
			if err := s.startLocked(); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// startLocked replaces the player with one reading a new stream. It drops
// s.mu around the player calls and is called with s.mu held.
func (s *Speaker) startLocked() error {
	st := &pcmStream{s: s}
	old := s.player
	s.stream = st
	s.player = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	next := s.out.NewPlayer(st)

	s.mu.Lock()
	if s.stream != st {
		// Flushed while the player was being created.
		s.mu.Unlock()
		_ = next.Close()
		s.mu.Lock()
		return nil
	}
	s.player = next
	s.mu.Unlock()
	next.Play()
	s.mu.Lock()
	return nil
}

// Drain implements [audio.Sink]. It ends the current utterance, so the
// player reports EOF once the queue is empty and goes idle after playing out.
func (s *Speaker) Drain(ctx context.Context) error {
	s.mu.Lock()
	st, gen, flushed := s.stream, s.gen, s.flushed
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	st.ending = true
	s.cond.Broadcast()
	s.mu.Unlock()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return nil
		}
		pending := len(s.buf)
		p := s.player
		current := s.stream == st
		s.mu.Unlock()

		// A later Write has already started the next utterance.
		if !current {
			return nil
		}
		if pending == 0 && (p == nil || !p.IsPlaying()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-flushed:
			return nil
		case <-tick.C:
		}
	}
}

// Flush implements [audio.Sink].
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.gen++
	p := s.player
	s.player = nil
	s.stream = nil
	close(s.flushed)
	s.flushed = make(chan struct{})
	s.cond.Broadcast()
	s.mu.Unlock()

	if p != nil {
		p.Pause()
		_ = p.Close()
	}
}

// Close implements [audio.Sink].
func (s *Speaker) Close() error {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.out.Suspend()
}

// pcmStream is the source of one player. It stays readable until it is
// ended by Drain or replaced.
type pcmStream struct {
	s      *Speaker
	ending bool // guarded by s.mu
}

func (r *pcmStream) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && s.stream == r && !r.ending && !s.closed {
		s.cond.Wait()
	}
	if s.stream != r || s.closed || len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.cond.Broadcast()
	return n, nil
}
