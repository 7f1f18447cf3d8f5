// Package audio defines the frame type, the device interfaces and the
// fan-out primitive that carry microphone audio through moss.
//
// The capture side is a [Source] that publishes fixed-size [Frame] values to a
// [Broadcaster]. Every consumer (the wake detector, the active transcription
// session) reads from its own [Subscriber] queue. Queues are bounded and drop
// the oldest frame when full, so a slow consumer never stalls capture.
//
// The playback side is a [Sink]: a PCM writer with an immediate Flush used
// for barge-in.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDevice marks failures of the input or output audio device. Device errors
// are fatal: the process cannot work without both devices.
var ErrDevice = errors.New("audio: device error")

// Frame is a fixed-duration block of mono or interleaved PCM captured from the
// input device. Frames are immutable once published; subscribers must not
// retain Samples past their own processing step.
type Frame struct {
	// Seq is the monotonic capture sequence number, starting at 1.
	Seq uint64

	// Timestamp is the wall-clock capture time of the first sample.
	Timestamp time.Time

	// SampleRate in Hz (16000 for the default pipeline).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Samples holds signed 16-bit PCM.
	Samples []int16
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	n := len(f.Samples) / f.Channels
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// Source produces frames from an input device.
type Source interface {
	// Run captures audio and calls publish for every complete frame, in capture
	// order, until ctx is cancelled or the device fails. A device failure is
	// returned wrapped with [ErrDevice]; cancellation returns nil.
	Run(ctx context.Context, publish func(Frame)) error
}

// Sink is the output device.
//
// Implementations must be safe for concurrent use: Flush is called from the
// barge-in path while another goroutine may be blocked in Write or Drain.
type Sink interface {
	// SampleRate is the PCM rate Write expects (mono int16).
	SampleRate() int

	// Write queues samples for playback. It does not wait for them to be
	// heard, but may block while the queue is full until Flush is called.
	Write(samples []int16) error

	// Drain blocks until all queued samples have been played, ctx is done, or
	// Flush is called.
	Drain(ctx context.Context) error

	// Flush discards all queued audio and silences output immediately.
	Flush()

	// Close releases the device.
	Close() error
}
