// Package chunker segments a continuous per-source frame stream into
// discrete utterance chunks using energy-based voice activity detection.
//
// Fixed-size windows truncate questions mid-sentence, so boundaries follow
// natural pauses instead: a chunk is cut when enough trailing silence has
// accumulated behind enough speech. A hard duration cap bounds memory when a
// speaker never pauses, and an external hint can cut early when a downstream
// heuristic already believes a question is complete.
package chunker

import (
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Config tunes the boundary policy. Zero values select the defaults.
type Config struct {
	// EnergyThreshold separates Speaking from Silent frames, in normalized
	// RMS units. Default: 0.01.
	EnergyThreshold float64

	// SilenceThreshold is the trailing silence required for a natural-pause
	// boundary. Default: 500ms.
	SilenceThreshold time.Duration

	// MinChunkDuration is the floor below which no natural-pause boundary
	// fires. Default: 2s.
	MinChunkDuration time.Duration

	// MaxChunkDuration is the safety cap cutting a chunk regardless of
	// speech state. Default: 6s.
	MaxChunkDuration time.Duration

	// HintMinDuration is the floor for hint-driven boundaries. Default: 1500ms.
	HintMinDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.01
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 500 * time.Millisecond
	}
	if c.MinChunkDuration <= 0 {
		c.MinChunkDuration = 2 * time.Second
	}
	if c.MaxChunkDuration <= 0 {
		c.MaxChunkDuration = 6 * time.Second
	}
	if c.HintMinDuration <= 0 {
		c.HintMinDuration = 1500 * time.Millisecond
	}
}

// wordsPerSecond is the assumed speaking rate used for the word count hint
// (~150 words per minute of actual speech).
const wordsPerSecond = 2.5

// Chunker accumulates frames from a single source. It is not safe for
// concurrent use; the pipeline owns one per active source and feeds it from
// a single goroutine.
type Chunker struct {
	cfg Config

	buf         []byte
	accumulated time.Duration
	silence     time.Duration
	speakingDur time.Duration
	speaking    bool
	startedAt   time.Time
	sourceID    string
	sampleRate  int
	channels    int
}

// New creates a Chunker with the given config.
func New(cfg Config) *Chunker {
	cfg.applyDefaults()
	return &Chunker{cfg: cfg}
}

// Feed classifies one frame and appends it to the accumulation buffer. It
// returns a completed chunk when the frame closed a boundary, or nil.
// Boundary decisions are synchronous and bounded-time per frame.
func (c *Chunker) Feed(f audio.Frame) *audio.Chunk {
	if len(f.Data) == 0 {
		return nil
	}
	if len(c.buf) == 0 {
		c.startedAt = f.CapturedAt
		c.sourceID = f.SourceID
		c.sampleRate = f.SampleRate
		c.channels = f.Channels
	}

	d := f.Duration()
	c.buf = append(c.buf, f.Data...)
	c.accumulated += d

	if audio.RMS(f.Data) >= c.cfg.EnergyThreshold {
		c.speaking = true
		c.speakingDur += d
		c.silence = 0
	} else {
		if c.speaking {
			c.speaking = false
			c.silence = 0
		}
		// Trailing silence is measured from the last Speaking->Silent
		// transition; leading silence before any speech never cuts a chunk.
		if c.speakingDur > 0 {
			c.silence += d
		}
	}

	switch {
	case c.accumulated >= c.cfg.MaxChunkDuration:
		return c.emit("duration_cap")
	case !c.speaking && c.silence >= c.cfg.SilenceThreshold && c.accumulated >= c.cfg.MinChunkDuration:
		return c.emit("natural_pause")
	}
	return nil
}

// Hint cuts a chunk early on an external streaming-question signal. It
// returns nil when too little audio has accumulated to be worth
// transcribing.
func (c *Chunker) Hint() *audio.Chunk {
	if c.accumulated < c.cfg.HintMinDuration {
		return nil
	}
	return c.emit("question_hint")
}

// Accumulated reports how much audio is currently buffered.
func (c *Chunker) Accumulated() time.Duration { return c.accumulated }

// Reset discards any partially-accumulated audio. Called on session stop: a
// stopped session never emits a final truncated chunk.
func (c *Chunker) Reset() {
	if c.accumulated > 0 {
		slog.Debug("chunker: discarding partial accumulation",
			"source", c.sourceID,
			"duration", c.accumulated,
		)
	}
	c.reset()
}

func (c *Chunker) emit(reason string) *audio.Chunk {
	pcm := make([]byte, len(c.buf))
	copy(pcm, c.buf)

	chunk := &audio.Chunk{
		ID:            audio.NewChunkID(),
		SourceID:      c.sourceID,
		PCM:           pcm,
		SampleRate:    c.sampleRate,
		Channels:      c.channels,
		Duration:      c.accumulated,
		WordCountHint: int(c.speakingDur.Seconds() * wordsPerSecond),
		Reason:        reason,
		StartedAt:     c.startedAt,
	}
	slog.Debug("chunk boundary",
		"source", c.sourceID,
		"reason", reason,
		"duration", c.accumulated,
		"words_hint", chunk.WordCountHint,
	)
	c.reset()
	return chunk
}

// reset clears all accumulation state so subsequent chunks are independent.
func (c *Chunker) reset() {
	c.buf = c.buf[:0]
	c.accumulated = 0
	c.silence = 0
	c.speakingDur = 0
	c.speaking = false
	c.startedAt = time.Time{}
}
