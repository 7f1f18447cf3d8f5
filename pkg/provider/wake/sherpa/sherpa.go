// Package sherpa implements [wake.Engine] with the sherpa-onnx streaming
// keyword spotter.
//
// The spotter is a transducer model (encoder, decoder, joiner and tokens
// files) constrained by a keywords file. It reports matches without a score,
// so every detection carries a confidence of 1.0.
package sherpa

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/mawwalker/moss/pkg/provider/wake"
)

// Config holds the model and decoding parameters.
type Config struct {
	Encoder      string
	Decoder      string
	Joiner       string
	Tokens       string
	KeywordsFile string

	// SampleRate of the model's features. Default: 16000.
	SampleRate int

	// NumThreads for onnxruntime. Default: 1.
	NumThreads int

	// Provider is the onnxruntime execution provider. Default: "cpu".
	Provider string

	// KeywordsScore boosts keyword tokens during beam search. Default: 2.0.
	KeywordsScore float32

	// KeywordsThreshold is the trigger probability. Default: 0.15.
	KeywordsThreshold float32

	// NumTrailingBlanks required after a keyword. Default: 1.
	NumTrailingBlanks int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.NumThreads <= 0 {
		c.NumThreads = 1
	}
	if c.Provider == "" {
		c.Provider = "cpu"
	}
	if c.KeywordsScore == 0 {
		c.KeywordsScore = 2.0
	}
	if c.KeywordsThreshold == 0 {
		c.KeywordsThreshold = 0.15
	}
	if c.NumTrailingBlanks <= 0 {
		c.NumTrailingBlanks = 1
	}
}

// Engine is a sherpa-onnx keyword spotter with a single decoding stream.
type Engine struct {
	spotter *sherpa.KeywordSpotter
	stream  *sherpa.OnlineStream
	labels  map[string]string

	closeOnce sync.Once
}

var _ wake.Engine = (*Engine)(nil)

// New loads the model described by cfg. All model files must exist.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	for _, p := range []struct{ name, path string }{
		{"encoder", cfg.Encoder},
		{"decoder", cfg.Decoder},
		{"joiner", cfg.Joiner},
		{"tokens", cfg.Tokens},
		{"keywords", cfg.KeywordsFile},
	} {
		if p.path == "" {
			return nil, fmt.Errorf("sherpa: %s path is required", p.name)
		}
		if _, err := os.Stat(p.path); err != nil {
			return nil, fmt.Errorf("sherpa: %s: %w", p.name, err)
		}
	}

	kws, err := wake.LoadKeywords(cfg.KeywordsFile)
	if err != nil {
		return nil, fmt.Errorf("sherpa: %w", err)
	}
	labels := make(map[string]string, len(kws)*2)
	for _, k := range kws {
		labels[strings.Join(k.Tokens, " ")] = k.Label
		labels[strings.Join(k.Tokens, "")] = k.Label
		labels[k.Label] = k.Label
	}

	kc := sherpa.KeywordSpotterConfig{}
	kc.FeatConfig.SampleRate = cfg.SampleRate
	kc.FeatConfig.FeatureDim = 80
	kc.ModelConfig.Transducer.Encoder = cfg.Encoder
	kc.ModelConfig.Transducer.Decoder = cfg.Decoder
	kc.ModelConfig.Transducer.Joiner = cfg.Joiner
	kc.ModelConfig.Tokens = cfg.Tokens
	kc.ModelConfig.NumThreads = cfg.NumThreads
	kc.ModelConfig.Provider = cfg.Provider
	kc.MaxActivePaths = 4
	kc.KeywordsFile = cfg.KeywordsFile
	kc.KeywordsScore = cfg.KeywordsScore
	kc.KeywordsThreshold = cfg.KeywordsThreshold
	kc.NumTrailingBlanks = cfg.NumTrailingBlanks

	spotter := sherpa.NewKeywordSpotter(&kc)
	if spotter == nil {
		return nil, errors.New("sherpa: failed to create keyword spotter")
	}
	return &Engine{
		spotter: spotter,
		stream:  sherpa.NewKeywordStream(spotter),
		labels:  labels,
	}, nil
}

// Accept implements [wake.Engine].
func (e *Engine) Accept(samples []float32, sampleRate int) (string, float64, bool) {
	e.stream.AcceptWaveform(sampleRate, samples)
	for e.spotter.IsReady(e.stream) {
		e.spotter.Decode(e.stream)
		res := e.spotter.GetResult(e.stream)
		if res.Keyword == "" {
			continue
		}
		phrase := strings.TrimSpace(res.Keyword)
		if label, ok := e.labels[phrase]; ok {
			phrase = label
		}
		return phrase, 1.0, true
	}
	return "", 0, false
}

// Reset implements [wake.Engine].
func (e *Engine) Reset() {
	e.spotter.Reset(e.stream)
}

// Close implements [wake.Engine].
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		sherpa.DeleteOnlineStream(e.stream)
		sherpa.DeleteKeywordSpotter(e.spotter)
	})
	return nil
}
