package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the normalised root-mean-square energy of 16-bit signed
// little-endian PCM samples. The result is in [0, 1], where 1 corresponds to
// a full-scale square wave. A trailing odd byte is ignored.
//
// RMS is the loudness estimate used for voice-activity classification: frames
// above a configured threshold count as speech, frames below as silence.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is not needed (e.g. frames of a stream being torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
