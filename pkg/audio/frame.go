package audio

import (
	"time"

	"github.com/google/uuid"
)

// Frame is a single buffer of raw PCM samples flowing through the pipeline.
//
// Data is always an owned, independently-allocated copy. The native producer
// is permitted to reuse or zero its internal buffer the instant it yields
// control, so an aliased frame would silently decay into zeroed audio that is
// indistinguishable from genuine silence. [NewFrame] enforces the copy.
type Frame struct {
	// Data holds 16-bit signed little-endian PCM samples.
	Data []byte

	// SourceID identifies the capture origin that produced this frame.
	SourceID string

	// SampleRate in Hz (e.g. 16000, 48000).
	SampleRate int

	// Channels is the channel count. 1 = mono.
	Channels int

	// CapturedAt is the monotonic capture timestamp.
	CapturedAt time.Time
}

// NewFrame builds a Frame whose Data is a fresh copy of pcm. This is the only
// sanctioned way to construct frames from producer-owned buffers.
func NewFrame(pcm []byte, sourceID string, sampleRate, channels int) Frame {
	owned := make([]byte, len(pcm))
	copy(owned, pcm)
	return Frame{
		Data:       owned,
		SourceID:   sourceID,
		SampleRate: sampleRate,
		Channels:   channels,
		CapturedAt: time.Now(),
	}
}

// Duration returns the playback duration of the frame's samples.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is a contiguous span of accumulated samples from one source,
// representing a candidate utterance. Chunks are consumed exactly once by the
// transcriber and discarded afterwards.
type Chunk struct {
	// ID uniquely identifies the chunk.
	ID string

	// SourceID identifies the capture origin.
	SourceID string

	// PCM holds the concatenated 16-bit LE samples of the utterance.
	PCM []byte

	// SampleRate and Channels describe the PCM format.
	SampleRate int
	Channels   int

	// Duration is the playback length of PCM.
	Duration time.Duration

	// WordCountHint is a rough estimate of spoken words, derived from the
	// speaking time within the chunk. Used only for prioritisation hints.
	WordCountHint int

	// Reason names the boundary that closed the chunk ("natural_pause",
	// "duration_cap", "question_hint").
	Reason string

	// StartedAt is the capture time of the first accumulated frame.
	StartedAt time.Time
}

// NewChunkID returns a fresh unique chunk identifier.
func NewChunkID() string {
	return "chunk-" + uuid.NewString()
}
