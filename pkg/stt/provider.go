// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Unlike a streaming recogniser, Earshot's pipeline segments audio into
// utterance-sized chunks before transcription, so the provider contract is a
// single batch call: [Provider.Transcribe] converts one [audio.Chunk] into a
// [Transcript]. The caller (the application pipeline) is responsible for
// issuing calls asynchronously — a provider may block for the duration of a
// network round-trip and must respect context cancellation.
//
// Implementations must be safe for concurrent use; multiple chunks from
// independent sources may be in flight simultaneously.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrEmptyChunk is returned when a chunk carries no PCM data.
var ErrEmptyChunk = errors.New("stt: chunk contains no audio")

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts the chunk's PCM audio to text. Transient failures
	// (network, rate limits) are returned as errors; the caller decides
	// whether to retry or fall back. Implementations must honour ctx
	// cancellation and deadlines.
	Transcribe(ctx context.Context, chunk audio.Chunk) (Transcript, error)
}

// Closer is implemented by providers that hold releasable resources
// (connections, loaded models). The application closes them on shutdown.
type Closer interface {
	Close() error
}
