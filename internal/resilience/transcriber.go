package resilience

import (
	"context"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

// TranscriberFallback is an [stt.Provider] that fails over across multiple
// transcription backends, each behind its own breaker. A chunk lost to a
// flaky network backend is a question the user never sees, so every chunk is
// offered to each healthy backend in preference order.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates the failover provider with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Provider, name string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (t *TranscriberFallback) AddFallback(name string, provider stt.Provider) {
	t.group.AddFallback(name, provider)
}

// Transcribe implements [stt.Provider].
func (t *TranscriberFallback) Transcribe(ctx context.Context, chunk audio.Chunk) (stt.Transcript, error) {
	return TryWithResult(t.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, chunk)
	})
}

// BackendStates reports each backend's breaker state for diagnostics.
func (t *TranscriberFallback) BackendStates() map[string]BreakerState {
	return t.group.States()
}

// Close closes every backend that is closable, returning the first error.
func (t *TranscriberFallback) Close() error {
	var first error
	for i := range t.group.backends {
		if c, ok := t.group.backends[i].value.(stt.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
