package stt

import "time"

// Transcript is the result of transcribing one audio chunk.
type Transcript struct {
	// Text is the transcribed speech content. May be empty when the chunk
	// contained no recognisable speech.
	Text string

	// Confidence is the overall recognition confidence (0.0–1.0). Zero when
	// the backend does not report confidence.
	Confidence float64

	// Language is the detected or configured BCP-47 language tag, when known.
	Language string

	// ChunkID echoes the ID of the transcribed chunk so downstream consumers
	// can correlate text with audio without carrying the chunk itself.
	ChunkID string

	// Duration is the audio duration the backend processed.
	Duration time.Duration

	// Words contains per-word detail for backends that support it. May be nil.
	Words []WordDetail
}

// WordDetail holds per-word timing and confidence from backends that
// report it (Deepgram does; whisper.cpp does not).
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
