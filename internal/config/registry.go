package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
)

// ErrProviderNotRegistered is returned by [Registry.CreateVoiceCall] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps voice provider names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	voiceCall map[string]func(ProviderConfig) (voicecall.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voiceCall: make(map[string]func(ProviderConfig) (voicecall.Provider, error)),
	}
}

// RegisterVoiceCall registers a voice provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoiceCall(name string, factory func(ProviderConfig) (voicecall.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voiceCall[name] = factory
}

// Names returns the registered provider names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.voiceCall))
	for n := range r.voiceCall {
		names = append(names, n)
	}
	return names
}

// CreateVoiceCall instantiates the provider registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) CreateVoiceCall(cfg ProviderConfig) (voicecall.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voiceCall[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voicecall/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
