// Package whispercpp provides a fully local transcriber backed by the
// whisper.cpp CGO bindings, eliminating HTTP overhead entirely. The model is
// loaded once at construction and shared across all concurrent Transcribe
// calls; each call creates its own whisper context because contexts are not
// thread-safe while the model is.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

// Compile-time assertions.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Closer   = (*Provider)(nil)
)

const defaultLanguage = "en"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the transcription language code (e.g. "en", "ja").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.Provider using the whisper.cpp Go bindings.
type Provider struct {
	model    whisperlib.Model
	language string
}

// New creates a Provider that loads the whisper.cpp model from modelPath.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the loaded model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over the chunk's PCM.
func (p *Provider) Transcribe(ctx context.Context, chunk audio.Chunk) (stt.Transcript, error) {
	if len(chunk.PCM) == 0 {
		return stt.Transcript{}, stt.ErrEmptyChunk
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	samples := pcmToFloat32Mono(chunk.PCM, chunk.Channels)

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return stt.Transcript{}, fmt.Errorf("whispercpp: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return stt.Transcript{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return stt.Transcript{
		Text:     strings.Join(parts, " "),
		Language: p.language,
		ChunkID:  chunk.ID,
		Duration: chunk.Duration,
	}, nil
}

// pcmToFloat32Mono converts 16-bit LE PCM to the normalised float32 mono
// samples whisper.cpp expects, downmixing interleaved channels by averaging.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := 2 * (i*channels + c)
			s := int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8)
			sum += float32(s) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
