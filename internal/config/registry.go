package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/huddle/pkg/audio"
	"github.com/MrWong99/huddle/pkg/provider/vad"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// AudioBackend is the device side of an audio backend: capture devices and
// playback sinks.
type AudioBackend struct {
	Devices audio.DeviceProvider
	Sinks   audio.SinkFactory
}

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[string]func(AudioConfig) (AudioBackend, error)
	vad   map[string]func(ActivityConfig) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[string]func(AudioConfig) (AudioBackend, error)),
		vad:   make(map[string]func(ActivityConfig) (vad.Engine, error)),
	}
}

// RegisterAudio registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (AudioBackend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ActivityConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateAudio instantiates the audio backend named by cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioBackend, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioBackend{}, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	b, err := factory(cfg)
	if err != nil {
		return AudioBackend{}, fmt.Errorf("config: create audio backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}

// CreateVAD instantiates the VAD engine named by cfg.Engine.
func (r *Registry) CreateVAD(cfg ActivityConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrBackendNotRegistered, cfg.Engine)
	}
	e, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create vad engine %q: %w", cfg.Engine, err)
	}
	return e, nil
}

// Names returns the sorted registered names for kind ("audio" or "vad").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "audio":
		for n := range r.audio {
			out = append(out, n)
		}
	case "vad":
		for n := range r.vad {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
