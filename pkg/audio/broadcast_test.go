package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/mawwalker/moss/pkg/audio"
)

func frame(seq uint64) audio.Frame {
	return audio.Frame{Seq: seq, SampleRate: 16000, Channels: 1, Samples: make([]int16, 160)}
}

func TestBroadcaster_FanOutPreservesOrder(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster()
	s1 := b.Subscribe("wake", 16)
	s2 := b.Subscribe("stt", 16)

	for i := uint64(1); i <= 10; i++ {
		b.Publish(frame(i))
	}
	b.Close()

	for _, s := range []*audio.Subscriber{s1, s2} {
		var want uint64 = 1
		for f := range s.Frames() {
			if f.Seq != want {
				t.Fatalf("%s: got seq %d, want %d", s.Name(), f.Seq, want)
			}
			want++
		}
		if want != 11 {
			t.Errorf("%s: received %d frames, want 10", s.Name(), want-1)
		}
	}
}

func TestBroadcaster_SlowConsumerDropsOldest(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	drops := map[string]int{}
	b := audio.NewBroadcaster(audio.WithDropHook(func(name string) {
		mu.Lock()
		drops[name]++
		mu.Unlock()
	}))
	slow := b.Subscribe("slow", 3)

	for i := uint64(1); i <= 10; i++ {
		b.Publish(frame(i))
	}

	var got []uint64
	for range 3 {
		got = append(got, (<-slow.Frames()).Seq)
	}
	want := []uint64{8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kept frames = %v, want %v (newest preserved)", got, want)
		}
	}
	if slow.Dropped() != 7 {
		t.Errorf("Dropped() = %d, want 7", slow.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if drops["slow"] != 7 {
		t.Errorf("drop hook calls = %d, want 7", drops["slow"])
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster()
	b.Subscribe("never-read", 1)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			b.Publish(frame(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestBroadcaster_UnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	b := audio.NewBroadcaster()
	s := b.Subscribe("stt", 0)
	b.Publish(frame(1))
	b.Unsubscribe(s)
	b.Unsubscribe(s)
	b.Publish(frame(2))

	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	f, ok := <-s.Frames()
	if !ok || f.Seq != 1 {
		t.Fatalf("buffered frame lost after unsubscribe: ok=%v seq=%d", ok, f.Seq)
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("queue should be closed after unsubscribe")
	}
}

func TestFramer_SplitsAndNumbers(t *testing.T) {
	t.Parallel()
	fr := audio.NewFramer(16000, 1, 1600)
	var frames []audio.Frame
	emit := func(f audio.Frame) { frames = append(frames, f) }

	fr.Push(make([]int16, 1000), emit)
	if len(frames) != 0 {
		t.Fatalf("emitted %d frames before a full frame was buffered", len(frames))
	}
	fr.Push(make([]int16, 2500), emit)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d: seq %d", i, f.Seq)
		}
		if f.Duration() != 100*time.Millisecond {
			t.Errorf("frame %d: duration %v, want 100ms", i, f.Duration())
		}
	}
}
