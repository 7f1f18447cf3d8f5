// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a remote transcription service reached over a
// persistent connection. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio and yields an ordered, finite
// sequence of [Event] values: zero or more partials followed by at most one
// final. Nothing is delivered after a final.
//
// Reconnection is the caller's responsibility. A session that loses its
// connection ends with [ErrDisconnected] and never infers finality from the
// disconnect.
package stt

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends. Backends wrap them so that callers
// can classify failures with errors.Is.
var (
	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("stt: session is closed")

	// ErrUnavailable is returned by StartStream when the service cannot be
	// reached.
	ErrUnavailable = errors.New("stt: service unavailable")

	// ErrDisconnected is reported by Err when the connection drops before a
	// final event was received.
	ErrDisconnected = errors.New("stt: connection lost")

	// ErrProtocol is reported by Err when the service sends a message the
	// backend cannot interpret.
	ErrProtocol = errors.New("stt: protocol error")
)

// Event is one transcription result.
type Event struct {
	// Text is the recognised text. Partials may be revised by later events;
	// a final is authoritative. A final may carry empty text when the
	// service heard nothing.
	Text string

	// Final marks the last event of the session.
	Final bool

	// Timestamp is when the event was received.
	Timestamp time.Time
}

// StreamConfig describes the audio format of a new session.
type StreamConfig struct {
	// SampleRate of the PCM sent with SendAudio, in Hz.
	SampleRate int

	// Channels in the PCM. 1 = mono.
	Channels int

	// Language is a recognition hint. Backends that do not support it ignore it.
	Language string
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live service.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio queues little-endian int16 PCM for delivery. It never blocks
	// on network I/O; when the outbound queue is full the oldest chunk is
	// discarded. Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Events returns the ordered event stream. The channel is closed after
	// the final event, on Close, or when the session fails.
	Events() <-chan Event

	// Err reports why the session ended without a final event. It returns nil
	// while the session is running, after a final, and after a plain Close.
	// Only meaningful once Events is closed.
	Err() error

	// Close stops feeding immediately and releases the connection. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a session. A connection failure is returned here
	// and produces no session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
