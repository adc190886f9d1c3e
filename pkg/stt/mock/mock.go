// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to inject canned transcripts and inspect the chunks submitted
// for transcription:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "what is a goroutine?"}}
//	tr, _ := p.Transcribe(ctx, chunk)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Chunk is the chunk passed to Transcribe.
	Chunk audio.Chunk
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call when Results is empty.
	// Its ChunkID field is overwritten with the submitted chunk's ID.
	Result stt.Transcript

	// Results, when non-empty, is consumed one entry per Transcribe call.
	// After exhaustion, Result is used.
	Results []stt.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the next canned transcript.
func (p *Provider) Transcribe(_ context.Context, chunk audio.Chunk) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Chunk: chunk})
	if p.TranscribeErr != nil {
		return stt.Transcript{}, p.TranscribeErr
	}
	tr := p.Result
	if len(p.Results) > 0 {
		tr = p.Results[0]
		p.Results = p.Results[1:]
	}
	tr.ChunkID = chunk.ID
	return tr, nil
}

// Close records the call and returns nil.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.CloseCallCount = 0
}

// Compile-time interface assertions.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Closer   = (*Provider)(nil)
)
