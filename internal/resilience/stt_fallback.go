package resilience

import (
	"context"
	"fmt"

	"github.com/mawwalker/moss/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens each transcription session on
// the first backend accepting the connection. A backend that keeps refusing
// connections trips its breaker and is skipped without paying its dial
// timeout.
//
// Only opening fails over. A session that drops mid-command stays dropped:
// the partial transcript is worthless without the audio already sent, so the
// user repeats the command.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback that prefers primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend tried after the ones already registered.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream implements [stt.Provider]. A session that connects after ctx
// was cancelled, typically by a barge-in, is closed and the context error is
// returned.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var sess stt.SessionHandle
	err := f.group.Execute(func(p stt.Provider) error {
		s, err := p.StartStream(ctx, cfg)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stt: start stream: %w", err)
	}
	return sess, nil
}

// Healthy reports whether any backend's breaker is not open.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }
