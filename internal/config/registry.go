package config

import (
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/stt"
	"github.com/MrWong99/earshot/pkg/stt/deepgram"
	sttmock "github.com/MrWong99/earshot/pkg/stt/mock"
	"github.com/MrWong99/earshot/pkg/stt/whisper"
	"github.com/MrWong99/earshot/pkg/stt/whispercpp"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a backend
// the registry does not know.
var ErrProviderNotRegistered = fmt.Errorf("provider not registered")

// STTFactory builds a transcription backend from its configuration entry.
type STTFactory func(entry ProviderEntry) (stt.Provider, error)

// Registry maps provider names to factories. The zero value is unusable;
// use [NewRegistry] or [DefaultRegistry].
type Registry struct {
	mu  sync.RWMutex
	stt map[string]STTFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stt: make(map[string]STTFactory)}
}

// RegisterSTT makes factory available under name, replacing any previous
// registration.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateSTT builds the backend entry names, or returns
// [ErrProviderNotRegistered].
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stt %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry)
}

// DefaultRegistry returns a registry with all built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterSTT("whisper", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	r.RegisterSTT("whisper-cpp", func(entry ProviderEntry) (stt.Provider, error) {
		var opts []whispercpp.Option
		if entry.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(entry.Language))
		}
		return whispercpp.New(entry.ModelPath, opts...)
	})

	r.RegisterSTT("mock", func(ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	return r
}
