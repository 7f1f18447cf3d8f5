package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mawwalker/moss/internal/playback"
	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/stt"
)

// State is the orchestrator's position in the interaction cycle.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateDispatching
	StateSpeaking
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle-listening"
	case StateCapturing:
		return "capturing-command"
	case StateTranscribing:
		return "transcribing"
	case StateDispatching:
		return "dispatching-agent"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Outcome is how a [Session] ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"

	// OutcomeAbandoned is a cancellation with nothing to act on: an empty or
	// too short transcript, or a capture that timed out.
	OutcomeAbandoned Outcome = "abandoned"
)

// Session is one interaction, from the wake event to the end of the reply.
// Sessions never overlap.
type Session struct {
	ID        string
	Phrase    string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   Outcome

	// Command is the text sent to the agent, after clean-up.
	Command string

	// Reply is the text that was spoken.
	Reply string

	// Err is the failure behind a failed or abandoned outcome.
	Err error
}

// Duration returns how long the session lasted.
func (s Session) Duration() time.Duration { return s.EndedAt.Sub(s.StartedAt) }

// active is the control loop's bookkeeping for the session in progress.
type active struct {
	Session

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// Capture.
	stt          stt.SessionHandle
	sub          *audio.Subscriber
	captureStart time.Time
	silence      *time.Timer
	deadline     *time.Timer

	// Dispatch.
	cancelDispatch context.CancelFunc

	// Playback.
	handle    *playback.Handle
	speakSpan trace.Span
}

func (a *active) silenceC() <-chan time.Time {
	if a == nil || a.silence == nil {
		return nil
	}
	return a.silence.C
}

func (a *active) deadlineC() <-chan time.Time {
	if a == nil || a.deadline == nil {
		return nil
	}
	return a.deadline.C
}

func (a *active) playbackDone() <-chan struct{} {
	if a == nil || a.handle == nil {
		return nil
	}
	return a.handle.Done()
}

func (a *active) stopTimers() {
	if a.silence != nil {
		a.silence.Stop()
		a.silence = nil
	}
	if a.deadline != nil {
		a.deadline.Stop()
		a.deadline = nil
	}
}
