// Package mock provides a scripted [wake.Engine] for tests.
//
// By default the Engine reports a detection whenever the first sample of a
// frame is at full scale, which lets tests mark "wake" frames with
// [WakeSamples] while every other frame stays silent.
package mock

import (
	"sync"

	"github.com/mawwalker/moss/pkg/provider/wake"
)

// Engine is a mock [wake.Engine].
type Engine struct {
	// Phrase is reported on every detection. Default: "moss".
	Phrase string

	// Score is reported on every detection. Default: 1.0.
	Score float64

	// Match overrides the default full-scale trigger.
	Match func(samples []float32) bool

	mu              sync.Mutex
	callCountAccept int
	callCountReset  int
	closed          bool
}

var _ wake.Engine = (*Engine)(nil)

// Accept implements [wake.Engine].
func (e *Engine) Accept(samples []float32, _ int) (string, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callCountAccept++

	match := e.Match
	if match == nil {
		match = fullScale
	}
	if !match(samples) {
		return "", 0, false
	}
	phrase, score := e.Phrase, e.Score
	if phrase == "" {
		phrase = "moss"
	}
	if score == 0 {
		score = 1.0
	}
	return phrase, score, true
}

// Reset implements [wake.Engine].
func (e *Engine) Reset() {
	e.mu.Lock()
	e.callCountReset++
	e.mu.Unlock()
}

// Close implements [wake.Engine].
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// CallCountAccept reports how many times Accept was invoked.
func (e *Engine) CallCountAccept() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callCountAccept
}

// CallCountReset reports how many times Reset was invoked.
func (e *Engine) CallCountReset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callCountReset
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func fullScale(samples []float32) bool {
	return len(samples) > 0 && samples[0] >= 0.999
}

// WakeSamples returns n samples that the default Engine treats as a wake
// phrase.
func WakeSamples(n int) []int16 {
	s := make([]int16, n)
	if n > 0 {
		s[0] = 32767
	}
	return s
}
