package orchestrator

import (
	"context"
	"errors"
	"net"

	"github.com/mawwalker/moss/internal/agent"
	"github.com/mawwalker/moss/internal/playback"
	"github.com/mawwalker/moss/internal/resilience"
	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/stt"
)

var (
	// ErrSilenceTimeout ends a capture that produced no new text for the
	// configured silence timeout.
	ErrSilenceTimeout = errors.New("orchestrator: silence timeout")

	// ErrCaptureTooLong ends a capture that ran past the maximum duration
	// without a final transcript.
	ErrCaptureTooLong = errors.New("orchestrator: capture exceeded maximum duration")
)

// ErrorKind classifies a session failure.
type ErrorKind int

const (
	// KindUnknown is any error not matched by another kind.
	KindUnknown ErrorKind = iota

	// KindTransientIO covers lost connections and failed requests to a
	// remote service.
	KindTransientIO

	// KindTimeout covers deadlines: the agent ceiling and capture timeouts.
	KindTimeout

	// KindDevice is a failure of the audio input or output device. It is
	// the only fatal kind.
	KindDevice

	// KindProtocol is a malformed message from a remote service.
	KindProtocol
)

// String returns the label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindTimeout:
		return "timeout"
	case KindDevice:
		return "device"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind stop the orchestrator.
func (k ErrorKind) Fatal() bool { return k == KindDevice }

// Classify maps err to its [ErrorKind]. The checks run from most to least
// specific, since a timeout also satisfies [net.Error].
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var netErr net.Error
	switch {
	case errors.Is(err, audio.ErrDevice):
		return KindDevice
	case errors.Is(err, stt.ErrProtocol):
		return KindProtocol
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, agent.ErrTimeout),
		errors.Is(err, ErrSilenceTimeout),
		errors.Is(err, ErrCaptureTooLong):
		return KindTimeout
	case errors.Is(err, stt.ErrDisconnected),
		errors.Is(err, stt.ErrUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, playback.ErrSynthesis),
		errors.As(err, &netErr):
		return KindTransientIO
	}
	return KindUnknown
}
