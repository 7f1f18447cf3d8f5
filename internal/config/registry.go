package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mawwalker/moss/pkg/audio"
	"github.com/mawwalker/moss/pkg/provider/llm"
	"github.com/mawwalker/moss/pkg/provider/stt"
	"github.com/mawwalker/moss/pkg/provider/tts"
	"github.com/mawwalker/moss/pkg/provider/wake"
)

// ErrProviderNotRegistered is returned when a config entry names a provider
// nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioFactory opens the input and output devices for an audio entry.
type AudioFactory func(ProviderEntry) (audio.Source, audio.Sink, error)

// factories is one kind's name-to-constructor table.
type factories[F any] struct {
	kind string
	byID map[string]F
}

func newFactories[F any](kind string) factories[F] {
	return factories[F]{kind: kind, byID: make(map[string]F)}
}

func (f factories[F]) lookup(name string) (F, error) {
	fn, ok := f.byID[name]
	if !ok {
		return fn, fmt.Errorf("%w: %s/%q (known: %s)", ErrProviderNotRegistered, f.kind, name, strings.Join(f.names(), ", "))
	}
	return fn, nil
}

func (f factories[F]) names() []string {
	out := make([]string, 0, len(f.byID))
	for name := range f.byID {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry maps the provider names used in config files to constructors.
// A later registration under the same name replaces the earlier one. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	wake  factories[func(ProviderEntry) (wake.Engine, error)]
	stt   factories[func(ProviderEntry) (stt.Provider, error)]
	tts   factories[func(ProviderEntry) (tts.Provider, error)]
	llm   factories[func(ProviderEntry) (llm.Provider, error)]
	audio factories[AudioFactory]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		wake:  newFactories[func(ProviderEntry) (wake.Engine, error)]("wake"),
		stt:   newFactories[func(ProviderEntry) (stt.Provider, error)]("stt"),
		tts:   newFactories[func(ProviderEntry) (tts.Provider, error)]("tts"),
		llm:   newFactories[func(ProviderEntry) (llm.Provider, error)]("llm"),
		audio: newFactories[AudioFactory]("audio"),
	}
}

func (r *Registry) RegisterWake(name string, f func(ProviderEntry) (wake.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake.byID[name] = f
}

func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byID[name] = f
}

func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.byID[name] = f
}

func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byID[name] = f
}

func (r *Registry) RegisterAudio(name string, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.byID[name] = f
}

// CreateWake builds the keyword-spotting engine named by entry.Name.
func (r *Registry) CreateWake(entry ProviderEntry) (wake.Engine, error) {
	r.mu.RLock()
	f, err := r.wake.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateSTT builds the transcription provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f, err := r.stt.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateTTS builds the speech synthesis provider named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	f, err := r.tts.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateLLM builds the language model provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateAudio opens the devices named by entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, audio.Sink, error) {
	r.mu.RLock()
	f, err := r.audio.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	return f(entry)
}
