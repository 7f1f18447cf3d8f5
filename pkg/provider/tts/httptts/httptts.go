// Package httptts provides a tts.Provider for a self-hosted synthesis server
// that renders one sentence per HTTP request.
//
// Each sentence is sent as POST {"text": ..., "character": ...} and the
// server answers with a WAV file. Because the server works in batch mode,
// SynthesizeStream accumulates incoming text into complete sentences and
// keeps a small lookahead of concurrent requests in flight while emitting
// audio strictly in sentence order.
//
// Typical usage:
//
//	p, err := httptts.New("http://localhost:9880/tts",
//	    httptts.WithCharacter("linzhiling"),
//	    httptts.WithOutputSampleRate(24000),
//	)
//	audio, err := p.SynthesizeStream(ctx, tts.Feed(reply), tts.VoiceProfile{})
package httptts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultCharacter  = "linzhiling"
	defaultTimeout    = 10 * time.Second
	defaultOutputRate = 24000

	// sentenceLookahead controls how many synthesis requests may be in flight
	// at once.
	sentenceLookahead = 3

	// chunkSamples is the size of each emitted PCM chunk.
	chunkSamples = 2400
)

// ErrStatus is wrapped when the server answers with a non-200 status.
var ErrStatus = errors.New("httptts: unexpected status")

// ---- options ----

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithCharacter sets the voice character sent with every request.
func WithCharacter(c string) Option {
	return func(p *Provider) {
		if c != "" {
			p.character = c
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputSampleRate sets the rate all audio is resampled to.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// WithHTTPClient replaces the HTTP client. The client's Timeout is kept.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// ---- Provider ----

// Provider implements tts.Provider. It is safe for concurrent use.
type Provider struct {
	url        string
	character  string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider that posts to url. url must be non-empty.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("httptts: url must not be empty")
	}
	p := &Provider{
		url:        url,
		character:  defaultCharacter,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int { return p.outputRate }

// URL returns the synthesis endpoint.
func (p *Provider) URL() string { return p.url }

// request is the JSON body of a synthesis call.
type request struct {
	Text      string `json:"text"`
	Character string `json:"character"`
}

// result carries one sentence's audio or error from a worker goroutine.
type result struct {
	samples []int16
	err     error
}

// SynthesizeStream implements tts.Provider. voice.ID, when set, overrides the
// configured character.
//
// The first failed sentence ends the stream with a Chunk carrying the error;
// sentences after it are not spoken.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan tts.Chunk, error) {
	character := p.character
	if voice.ID != "" {
		character = voice.ID
	}

	out := make(chan tts.Chunk, 16)

	go func() {
		defer close(out)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		sentences := make(chan string, sentenceLookahead)
		queue := make(chan chan result, sentenceLookahead)

		// Accumulator: text fragments -> complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			emit := func(s string) bool {
				select {
				case sentences <- s:
					return true
				case <-ctx.Done():
					return false
				}
			}
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if rest := strings.TrimSpace(buf.String()); rest != "" {
							emit(rest)
						}
						return
					}
					buf.WriteString(fragment)
					done, rest := tts.SplitSentences(buf.String())
					buf.Reset()
					buf.WriteString(rest)
					for _, s := range done {
						if !emit(s) {
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one request per sentence, futures queued in order.
		go func() {
			defer close(queue)
			for {
				select {
				case s, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan result, 1)
					select {
					case queue <- ch:
					case <-ctx.Done():
						return
					}
					go func() {
						samples, err := p.synthesize(ctx, s, character)
						ch <- result{samples: samples, err: err}
					}()
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: drain futures in order.
		for {
			var ch chan result
			var ok bool
			select {
			case ch, ok = <-queue:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			var res result
			select {
			case res = <-ch:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				select {
				case out <- tts.Chunk{Err: res.err}:
				case <-ctx.Done():
				}
				return
			}
			for _, c := range audio.Chunk(res.samples, chunkSamples) {
				select {
				case out <- tts.Chunk{Samples: c}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// synthesize performs one POST and returns mono PCM at the output rate.
func (p *Provider) synthesize(ctx context.Context, sentence, character string) ([]int16, error) {
	data, err := json.Marshal(request{Text: sentence, Character: character})
	if err != nil {
		return nil, fmt.Errorf("httptts: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("httptts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptts: POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("httptts: POST: %w %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httptts: read response: %w", err)
	}
	return DecodeWAV(body, p.outputRate)
}

// DecodeWAV decodes a WAV file and returns mono int16 PCM resampled to rate.
func DecodeWAV(data []byte, rate int) ([]int16, error) {
	stream, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("httptts: decode wav: %w", err)
	}
	defer stream.Close()
	return ReadAll(stream, format.SampleRate, rate)
}

// ReadAll drains s, resampling from src to dst, and downmixes to mono int16.
func ReadAll(s beep.Streamer, src beep.SampleRate, dst int) ([]int16, error) {
	out, err := audio.FromStreamer(s, src, dst)
	if err != nil {
		return nil, fmt.Errorf("httptts: %w", err)
	}
	return out, nil
}
