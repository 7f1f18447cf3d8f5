package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mawwalker/moss/pkg/audio"
)

// fakeBufferSize is how far ahead the fake player reads its source.
const fakeBufferSize = 256

// fakePlayer mimics an oto player: a fill goroutine reads the source into an
// internal buffer and stops for good at the first EOF, while a device
// goroutine consumes that buffer in real time. IsPlaying stays true after EOF
// until the internal buffer has been played.
type fakePlayer struct {
	src  io.Reader
	rate int // bytes played per millisecond; 0 stalls the device

	mu      sync.Mutex
	state   string // idle, play, paused, closed
	eof     bool
	pending []byte
	played  []byte
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "idle" {
		return
	}
	p.state = "play"
	go p.fill()
	go p.device()
}

func (p *fakePlayer) fill() {
	buf := make([]byte, 64)
	for {
		p.mu.Lock()
		stop := p.state == "closed" || p.eof
		full := len(p.pending) >= fakeBufferSize
		p.mu.Unlock()
		if stop {
			return
		}
		if full {
			time.Sleep(time.Millisecond)
			continue
		}
		n, err := p.src.Read(buf)
		p.mu.Lock()
		p.pending = append(p.pending, buf[:n]...)
		if err != nil {
			p.eof = true
		}
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (p *fakePlayer) device() {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		p.mu.Lock()
		switch p.state {
		case "closed":
			p.mu.Unlock()
			return
		case "play":
			n := min(p.rate, len(p.pending))
			p.played = append(p.played, p.pending[:n]...)
			p.pending = p.pending[n:]
			if p.eof && len(p.pending) == 0 {
				p.state = "paused"
				p.mu.Unlock()
				return
			}
		}
		p.mu.Unlock()
	}
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == "play"
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "play" {
		p.state = "paused"
	}
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = "closed"
	return nil
}

type fakeOutput struct {
	rate int

	mu      sync.Mutex
	players []*fakePlayer
	err     error
}

func (o *fakeOutput) NewPlayer(r io.Reader) player {
	p := &fakePlayer{src: r, rate: o.rate, state: "idle"}
	o.mu.Lock()
	o.players = append(o.players, p)
	o.mu.Unlock()
	return p
}

func (o *fakeOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *fakeOutput) Suspend() error { return nil }

func (o *fakeOutput) playerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.players)
}

func (o *fakeOutput) player(i int) *fakePlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.players[i]
}

// played returns everything the device consumed, across players.
func (o *fakeOutput) played() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []byte
	for _, p := range o.players {
		p.mu.Lock()
		out = append(out, p.played...)
		p.mu.Unlock()
	}
	return out
}

// utterance returns n pieces of 160 samples with distinct values.
func utterance(n int, base int16) ([][]int16, []byte) {
	var parts [][]int16
	var all []byte
	for i := range n {
		part := make([]int16, 160)
		for j := range part {
			part[j] = base + int16(i)
		}
		parts = append(parts, part)
		all = append(all, audio.EncodePCM16(part)...)
	}
	return parts, all
}

func drain(t *testing.T, s *Speaker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestSpeaker_PlaysWholeUtterance(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 64}
	s := newSpeaker(out, 24000, 1<<20)

	parts, want := utterance(20, 1)
	for _, part := range parts {
		if err := s.Write(part); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	drain(t, s)

	if got := out.played(); !bytes.Equal(got, want) {
		t.Fatalf("played %d bytes, want %d in order", len(got), len(want))
	}
	if n := out.playerCount(); n != 1 {
		t.Errorf("players = %d, want 1 for one utterance", n)
	}
}

func TestSpeaker_SlowProducerDoesNotEndStream(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 64}
	s := newSpeaker(out, 24000, 1<<20)

	// The queue runs dry between sentences; the player must keep reading.
	parts, want := utterance(4, 10)
	for _, part := range parts {
		if err := s.Write(part); err != nil {
			t.Fatalf("Write: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	drain(t, s)

	if got := out.played(); !bytes.Equal(got, want) {
		t.Fatalf("played %d bytes, want %d in order", len(got), len(want))
	}
}

func TestSpeaker_NextUtteranceStartsNewPlayer(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 64}
	s := newSpeaker(out, 24000, 1<<20)

	first, want1 := utterance(3, 1)
	second, want2 := utterance(3, 50)
	for _, parts := range [][][]int16{first, second} {
		for _, part := range parts {
			if err := s.Write(part); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		drain(t, s)
	}

	if got, want := out.played(), append(want1, want2...); !bytes.Equal(got, want) {
		t.Fatalf("played %d bytes, want %d in order", len(got), len(want))
	}
	if n := out.playerCount(); n != 2 {
		t.Errorf("players = %d, want 2", n)
	}
}

func TestSpeaker_QueueIsBounded(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 0} // the device never consumes
	s := newSpeaker(out, 24000, 1024)

	parts, _ := utterance(40, 1)
	var long []int16
	for _, part := range parts {
		long = append(long, part...)
	}
	done := make(chan error, 1)
	go func() { done <- s.Write(long) }()

	select {
	case err := <-done:
		t.Fatalf("Write of 12800 bytes returned (%v) with a 1024-byte queue and a stalled device", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.mu.Lock()
	queued := len(s.buf)
	s.mu.Unlock()
	if queued > 1024 {
		t.Errorf("queued %d bytes, limit 1024", queued)
	}

	s.Flush()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Write after Flush = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not release a blocked Write")
	}
}

func TestSpeaker_FlushReleasesDrain(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 0}
	s := newSpeaker(out, 24000, 1<<20)

	parts, _ := utterance(2, 1)
	for _, part := range parts {
		if err := s.Write(part); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Flush()
	select {
	case err := <-drained:
		if err != nil {
			t.Errorf("Drain = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not release Drain")
	}
	if out.player(0).IsPlaying() {
		t.Error("player still playing after Flush")
	}
}

func TestSpeaker_DrainHonoursContext(t *testing.T) {
	t.Parallel()
	out := &fakeOutput{rate: 0}
	s := newSpeaker(out, 24000, 1<<20)
	if err := s.Write(make([]int16, 160)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain = %v, want deadline exceeded", err)
	}
}

func TestSpeaker_DrainIdle(t *testing.T) {
	t.Parallel()
	s := newSpeaker(&fakeOutput{rate: 64}, 24000, 1<<20)
	drain(t, s)
}

func TestSpeaker_WriteErrors(t *testing.T) {
	t.Parallel()

	closed := newSpeaker(&fakeOutput{rate: 64}, 24000, 1<<20)
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := closed.Write(make([]int16, 10)); !errors.Is(err, audio.ErrDevice) {
		t.Errorf("Write after Close = %v, want ErrDevice", err)
	}

	broken := newSpeaker(&fakeOutput{rate: 64, err: errors.New("device lost")}, 24000, 1<<20)
	if err := broken.Write(make([]int16, 10)); !errors.Is(err, audio.ErrDevice) {
		t.Errorf("Write on failed context = %v, want ErrDevice", err)
	}
}
