package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the per-subscriber queue capacity: 100 frames, i.e. ten
// seconds of audio at the default 100 ms frame length.
const DefaultQueueSize = 100

// Broadcaster fans frames out to any number of subscribers. Publish never
// blocks: when a subscriber's queue is full its oldest buffered frame is
// discarded to make room for the new one.
//
// Publish must be called from a single goroutine (the capture loop); this is
// what guarantees that every subscriber observes frames in capture order.
// Subscribe and Unsubscribe may be called concurrently with Publish.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	onDrop func(name string)
}

// BroadcasterOption configures a [Broadcaster].
type BroadcasterOption func(*Broadcaster)

// WithDropHook registers fn to be called (on the publishing goroutine) every
// time a frame is discarded from the named subscriber's queue.
func WithDropHook(fn func(name string)) BroadcasterOption {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

// NewBroadcaster returns an empty [Broadcaster].
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{subs: make(map[*Subscriber]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscriber is one consumer's bounded, ordered view of the frame stream.
type Subscriber struct {
	name    string
	ch      chan Frame
	dropped atomic.Uint64
	closed  bool // guarded by Broadcaster.mu
}

// Name returns the label given at subscription time.
func (s *Subscriber) Name() string { return s.name }

// Frames returns the receive side of the queue. It is closed when the
// subscriber is removed with [Broadcaster.Unsubscribe] or [Broadcaster.Close].
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Dropped reports how many frames were discarded because the consumer fell
// behind.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Subscribe registers a new consumer with a queue of size frames. A size of
// zero or less selects [DefaultQueueSize].
func (b *Broadcaster) Subscribe(name string, size int) *Subscriber {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &Subscriber{name: name, ch: make(chan Frame, size)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its queue. Frames still buffered remain
// readable until the channel drains. Calling Unsubscribe twice is a no-op.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers f to every current subscriber without blocking.
func (b *Broadcaster) Publish(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		b.offer(s, f)
	}
}

// offer enqueues f on s, evicting the oldest buffered frames while the queue
// is full. The consumer may be receiving concurrently, so the loop re-checks
// after each eviction attempt.
func (b *Broadcaster) offer(s *Subscriber, f Frame) {
	for {
		select {
		case s.ch <- f:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(s.name)
			}
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.closed = true
		close(s.ch)
	}
	clear(b.subs)
}

// Framer slices an arbitrary-length PCM stream into fixed-size frames and
// stamps them with sequence numbers. It is used by device sources whose
// callbacks deliver periods that do not line up with the frame length.
// A Framer is not safe for concurrent use.
type Framer struct {
	sampleRate int
	channels   int
	size       int // samples per frame (all channels)
	seq        uint64
	pending    []int16
	now        func() time.Time
}

// NewFramer returns a Framer producing frames of frameSamples samples per
// channel.
func NewFramer(sampleRate, channels, frameSamples int) *Framer {
	return &Framer{
		sampleRate: sampleRate,
		channels:   channels,
		size:       frameSamples * channels,
		now:        time.Now,
	}
}

// Push appends samples and calls emit for every complete frame, in order.
func (fr *Framer) Push(samples []int16, emit func(Frame)) {
	fr.pending = append(fr.pending, samples...)
	for len(fr.pending) >= fr.size {
		data := make([]int16, fr.size)
		copy(data, fr.pending[:fr.size])
		fr.pending = fr.pending[fr.size:]
		fr.seq++
		emit(Frame{
			Seq:        fr.seq,
			Timestamp:  fr.now(),
			SampleRate: fr.sampleRate,
			Channels:   fr.channels,
			Samples:    data,
		})
	}
	if len(fr.pending) == 0 {
		fr.pending = nil
	}
}
