package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config entry names a provider
// no factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name to constructor table for one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: make(map[string]Factory[T])}
}

// Registry resolves provider names from the config file to constructors,
// one table per kind. Registering a name twice replaces the first factory.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	asr factories[stt.Provider]
	tts factories[tts.Provider]
	llm factories[llm.Provider]
	vad factories[vad.Engine]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		asr: newFactories[stt.Provider]("asr"),
		tts: newFactories[tts.Provider]("tts"),
		llm: newFactories[llm.Provider]("llm"),
		vad: newFactories[vad.Engine]("vad"),
	}
}

func (r *Registry) RegisterASR(name string, f Factory[stt.Provider]) { register(r, r.asr, name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { register(r, r.tts, name, f) }
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { register(r, r.llm, name, f) }
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine])   { register(r, r.vad, name, f) }

// CreateASR builds the recognizer entry names. Unknown names yield
// [ErrProviderNotRegistered]; the other Create methods behave alike.
func (r *Registry) CreateASR(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.asr, entry)
}
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, entry)
}
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, entry)
}
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return create(r, r.vad, entry) }

// Names lists the registered names of kind ("asr", "tts", "llm" or "vad"),
// sorted. Unknown kinds list nothing.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.asr.kind:
		return slices.Sorted(maps.Keys(r.asr.byName))
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.byName))
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.byName))
	case r.vad.kind:
		return slices.Sorted(maps.Keys(r.vad.byName))
	}
	return nil
}

func register[T any](r *Registry, t factories[T], name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.byName[name] = f
}

func create[T any](r *Registry, t factories[T], entry ProviderEntry) (T, error) {
	r.mu.RLock()
	f, ok := t.byName[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrProviderNotRegistered, t.kind, entry.Name)
	}
	p, err := f(entry)
	if err != nil {
		return p, fmt.Errorf("config: build %s provider %q: %w", t.kind, entry.Name, err)
	}
	return p, nil
}
