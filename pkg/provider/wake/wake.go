// Package wake defines the keyword-spotting boundary and the debouncing
// detector that turns per-frame engine decisions into wake events.
//
// An [Engine] is the swappable model wrapper: it is fed float samples and
// reports when a configured phrase has been spotted. The [Detector] owns one
// Engine for the lifetime of the process and runs it continuously against the
// live frame stream, including while the assistant is speaking, so that a wake
// phrase can always interrupt.
//
// A naive per-frame check would fire repeatedly on the tail of a single
// utterance. The Detector therefore resets the engine stream after every
// detection and suppresses further detections for a refractory window.
package wake

import (
	"context"
	"log/slog"
	"time"

	"github.com/mawwalker/moss/pkg/audio"
)

// Defaults used by [NewDetector] when no option overrides them.
const (
	DefaultThreshold  = 0.5
	DefaultRefractory = 1500 * time.Millisecond
)

// eventBuffer bounds the detector's output queue. The orchestrator drains it
// continuously; a handful of slots absorbs scheduling jitter.
const eventBuffer = 4

// Event reports one detected wake phrase.
type Event struct {
	// Phrase is the keyword that matched, as configured in the phrase set.
	Phrase string

	// Confidence is the engine score in [0, 1]. Always >= the detector's
	// threshold.
	Confidence float64

	// Timestamp is the capture time of the frame that completed the phrase.
	Timestamp time.Time
}

// Engine is a streaming keyword spotter. Implementations keep internal stream
// state across calls to Accept; Reset discards it.
//
// An Engine is driven by a single goroutine and need not be safe for
// concurrent use.
type Engine interface {
	// Accept feeds mono samples in [-1, 1) at sampleRate and reports whether a
	// phrase was completed by them.
	Accept(samples []float32, sampleRate int) (phrase string, score float64, ok bool)

	// Reset clears any partially decoded phrase.
	Reset()

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}

// Detector debounces an [Engine] into a stream of [Event] values.
type Detector struct {
	engine     Engine
	threshold  float64
	refractory time.Duration
	onEvent    func(Event)
	onReject   func(phrase string, score float64)
}

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithThreshold sets the minimum score an engine detection must reach.
func WithThreshold(v float64) DetectorOption {
	return func(d *Detector) { d.threshold = v }
}

// WithRefractory sets how long detections are suppressed after an event.
// Zero disables suppression; the engine reset alone then debounces.
func WithRefractory(v time.Duration) DetectorOption {
	return func(d *Detector) { d.refractory = v }
}

// WithEventHook registers fn to be called for every emitted event before it
// is queued.
func WithEventHook(fn func(Event)) DetectorOption {
	return func(d *Detector) { d.onEvent = fn }
}

// WithRejectHook registers fn to be called when a detection is discarded by
// the threshold or the refractory window.
func WithRejectHook(fn func(phrase string, score float64)) DetectorOption {
	return func(d *Detector) { d.onReject = fn }
}

// NewDetector returns a Detector wrapping engine.
func NewDetector(engine Engine, opts ...DetectorOption) *Detector {
	d := &Detector{
		engine:     engine,
		threshold:  DefaultThreshold,
		refractory: DefaultRefractory,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run consumes frames until the channel is closed or ctx is cancelled, and
// returns the channel on which events are delivered. The returned channel is
// closed when Run's goroutine exits. Run must be called at most once per
// Detector.
func (d *Detector) Run(ctx context.Context, frames <-chan audio.Frame) <-chan Event {
	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		var last time.Time
		for {
			var f audio.Frame
			var ok bool
			select {
			case <-ctx.Done():
				return
			case f, ok = <-frames:
				if !ok {
					return
				}
			}

			phrase, score, hit := d.engine.Accept(audio.Float32(f.Samples), f.SampleRate)
			if !hit {
				continue
			}
			d.engine.Reset()

			if score < d.threshold {
				d.reject(phrase, score, "below threshold")
				continue
			}
			if !last.IsZero() && f.Timestamp.Sub(last) < d.refractory {
				d.reject(phrase, score, "refractory")
				continue
			}
			last = f.Timestamp

			ev := Event{Phrase: phrase, Confidence: score, Timestamp: f.Timestamp}
			if d.onEvent != nil {
				d.onEvent(ev)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (d *Detector) reject(phrase string, score float64, reason string) {
	slog.Debug("wake detection suppressed", "phrase", phrase, "score", score, "reason", reason)
	if d.onReject != nil {
		d.onReject(phrase, score)
	}
}

// Close releases the underlying engine.
func (d *Detector) Close() error {
	return d.engine.Close()
}
