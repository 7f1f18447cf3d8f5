// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text was synthesised.
//
// Example:
//
//	p := &mock.Provider{
//	    Rate:   16000,
//	    Chunks: [][]int16{{1, 2, 3}, {4, 5, 6}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, tts.Feed("hello"), tts.VoiceProfile{})
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/mawwalker/moss/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Text is everything read from the text channel, concatenated.
	Text string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Rate is reported by SampleRate. Default: 16000.
	Rate int

	// Chunks is emitted, in order, by every stream.
	Chunks [][]int16

	// StreamErr, if non-nil, is delivered as a final Chunk.Err after Chunks.
	StreamErr error

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a stream.
	SynthesizeErr error

	// Hold keeps every stream open after its chunks until ctx is cancelled.
	Hold bool

	calls   []SynthesizeStreamCall
	started chan string
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// SynthesizeStream implements tts.Provider. The text channel is drained and
// recorded before any chunk is emitted.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]int16(nil), p.Chunks...)
	streamErr := p.StreamErr
	hold := p.Hold
	if p.started == nil {
		p.started = make(chan string, 16)
	}
	started := p.started
	p.mu.Unlock()

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)

		var sb strings.Builder
	read:
		for {
			select {
			case s, ok := <-text:
				if !ok {
					break read
				}
				sb.WriteString(s)
			case <-ctx.Done():
				return
			}
		}
		p.mu.Lock()
		p.calls = append(p.calls, SynthesizeStreamCall{Text: sb.String(), Voice: voice})
		p.mu.Unlock()
		select {
		case started <- sb.String():
		default:
		}

		for _, c := range chunks {
			select {
			case out <- tts.Chunk{Samples: c}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			select {
			case out <- tts.Chunk{Err: streamErr}:
			case <-ctx.Done():
			}
			return
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Calls returns a copy of all recorded calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeStreamCall(nil), p.calls...)
}

// Started delivers the text of each stream once it has been read.
func (p *Provider) Started() <-chan string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan string, 16)
	}
	return p.started
}

// Set updates the configurable fields under the lock.
func (p *Provider) Set(fn func(p *Provider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
