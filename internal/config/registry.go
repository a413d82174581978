package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/englishear/pkg/provider/realtime"
	"github.com/MrWong99/englishear/pkg/provider/tts"
	"github.com/MrWong99/englishear/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is a name-keyed set of constructors for one provider kind.
type factories[E, P any] struct {
	kind string
	m    map[string]func(E) (P, error)
}

func newFactories[E, P any](kind string) factories[E, P] {
	return factories[E, P]{kind: kind, m: make(map[string]func(E) (P, error))}
}

func (f factories[E, P]) create(name string, entry E) (P, error) {
	factory, ok := f.m[name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return factory(entry)
}

func (f factories[E, P]) names() []string {
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tts      factories[BackendEntry, tts.Provider]
	realtime factories[RealtimeConfig, realtime.Provider]
	vad      factories[ConversationConfig, vad.Engine]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:      newFactories[BackendEntry, tts.Provider]("tts"),
		realtime: newFactories[RealtimeConfig, realtime.Provider]("realtime"),
		vad:      newFactories[ConversationConfig, vad.Engine]("vad"),
	}
}

// RegisterTTS registers a synthesis backend factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(BackendEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterRealtime registers a realtime transport factory under name.
func (r *Registry) RegisterRealtime(name string, factory func(RealtimeConfig) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime.m[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ConversationConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad.m[name] = factory
}

// CreateTTS instantiates the backend registered under entry.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTTS(entry BackendEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry.Provider, entry)
}

// CreateRealtime instantiates the transport registered under cfg.Provider.
func (r *Registry) CreateRealtime(cfg RealtimeConfig) (realtime.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.realtime.create(cfg.Provider, cfg)
}

// CreateVAD instantiates the engine registered under cfg.VAD.
func (r *Registry) CreateVAD(cfg ConversationConfig) (vad.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vad.create(cfg.VAD, cfg)
}

// Names returns the sorted registered provider names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.tts.kind:      r.tts.names(),
		r.realtime.kind: r.realtime.names(),
		r.vad.kind:      r.vad.names(),
	}
}
