package whispercpp

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestPCMToFloat32Mono_Mono(t *testing.T) {
	t.Parallel()

	got := pcmToFloat32Mono(pcm16(0, 16384, -16384, 32767), 1)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("sample[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCMToFloat32Mono_StereoDownmix(t *testing.T) {
	t.Parallel()

	// L=16384 R=-16384 averages to 0; L=16384 R=16384 averages to 0.5.
	got := pcmToFloat32Mono(pcm16(16384, -16384, 16384, 16384), 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if math.Abs(float64(got[0])) > 1e-4 {
		t.Errorf("downmixed[0] = %v, want 0", got[0])
	}
	if math.Abs(float64(got[1]-0.5)) > 1e-4 {
		t.Errorf("downmixed[1] = %v, want 0.5", got[1])
	}
}

func TestPCMToFloat32Mono_ZeroChannelsDefaultsToMono(t *testing.T) {
	t.Parallel()

	if got := pcmToFloat32Mono(pcm16(100, 200), 0); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}
