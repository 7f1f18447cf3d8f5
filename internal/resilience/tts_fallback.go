package resilience

import (
	"context"
	"fmt"

	"github.com/mawwalker/moss/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// All backends must produce audio at the primary's sample rate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SampleRate returns the primary's output rate.
func (f *TTSFallback) SampleRate() int {
	return f.group.entries[0].value.SampleRate()
}

// SynthesizeStream consumes text fragments and returns a channel of audio
// chunks from the first healthy provider. Only stream setup fails over: the
// text channel cannot be replayed. The serving provider's breaker is settled
// when its stream ends, so a backend that accepts streams but fails every
// synthesis is eventually skipped.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	var lastErr error
	for i := range f.group.entries {
		entry := &f.group.entries[i]
		done, err := entry.breaker.Allow()
		if err != nil {
			lastErr = err
			f.group.skip(entry.name, err)
			continue
		}
		in, err := entry.value.SynthesizeStream(ctx, text, voice)
		if err != nil {
			done(err)
			if isContextErr(err) {
				return nil, err
			}
			lastErr = err
			f.group.skip(entry.name, err)
			continue
		}
		return f.forward(ctx, entry.name, in, done), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// forward relays in until it closes and then settles the breaker with the
// stream's outcome.
func (f *TTSFallback) forward(ctx context.Context, name string, in <-chan tts.Chunk, done func(error)) <-chan tts.Chunk {
	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		var streamErr error
		defer func() {
			if streamErr == nil && ctx.Err() != nil {
				streamErr = ctx.Err()
			}
			done(streamErr)
		}()
		for c := range in {
			if c.Err != nil && streamErr == nil {
				streamErr = c.Err
				if !isContextErr(c.Err) {
					f.group.reportError(name, c.Err)
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()
	return out
}

// Healthy reports whether any backend's breaker is not open. The orchestrator
// only speaks its local failure notice while this holds.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }
