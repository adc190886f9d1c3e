package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sttmock "github.com/MrWong99/earshot/pkg/stt/mock"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

func chunk() audio.Chunk {
	return audio.Chunk{
		ID:         "chunk-test",
		SourceID:   "microphone-0",
		PCM:        make([]byte, 6400),
		SampleRate: 16000,
		Channels:   1,
		Duration:   200 * time.Millisecond,
	}
}

func TestTranscriberFallback_PrimaryHealthy(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	primary.Result = stt.Transcript{Text: "from primary", Confidence: 0.9}
	secondary := &sttmock.Provider{}

	tf := NewTranscriberFallback(primary, "primary", FallbackConfig{})
	tf.AddFallback("secondary", secondary)

	got, err := tf.Transcribe(context.Background(), chunk())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from primary" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Error("secondary must not be called while the primary is healthy")
	}
}

func TestTranscriberFallback_FailsOver(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	primary.TranscribeErr = errors.New("network down")
	secondary := &sttmock.Provider{}
	secondary.Result = stt.Transcript{Text: "from secondary", Confidence: 0.7}

	tf := NewTranscriberFallback(primary, "primary", FallbackConfig{})
	tf.AddFallback("secondary", secondary)

	got, err := tf.Transcribe(context.Background(), chunk())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from secondary" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Errorf("primary called %d times, want 1", len(primary.TranscribeCalls))
	}
}

func TestTranscriberFallback_TrippedPrimaryIsSkipped(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	primary.TranscribeErr = errors.New("network down")
	secondary := &sttmock.Provider{}
	secondary.Result = stt.Transcript{Text: "ok"}

	tf := NewTranscriberFallback(primary, "primary", FallbackConfig{
		Breaker: BreakerConfig{Threshold: 2, Cooldown: time.Hour},
	})
	tf.AddFallback("secondary", secondary)

	for i := 0; i < 3; i++ {
		if _, err := tf.Transcribe(context.Background(), chunk()); err != nil {
			t.Fatalf("Transcribe %d: %v", i, err)
		}
	}

	// Threshold reached after call 2: the third call never touches the
	// primary.
	if calls := len(primary.TranscribeCalls); calls != 2 {
		t.Errorf("primary called %d times, want 2", calls)
	}
	if tf.BackendStates()["primary"] != BreakerOpen {
		t.Errorf("primary breaker = %v, want open", tf.BackendStates()["primary"])
	}
}

func TestTranscriberFallback_AllBackendsDown(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	primary.TranscribeErr = errors.New("down")
	secondary := &sttmock.Provider{}
	secondary.TranscribeErr = errors.New("also down")

	tf := NewTranscriberFallback(primary, "primary", FallbackConfig{})
	tf.AddFallback("secondary", secondary)

	_, err := tf.Transcribe(context.Background(), chunk())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Transcribe = %v, want ErrExhausted", err)
	}
}

func TestTranscriberFallback_CloseClosesBackends(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}
	tf := NewTranscriberFallback(primary, "primary", FallbackConfig{})
	tf.AddFallback("secondary", secondary)

	if err := tf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if primary.CloseCallCount != 1 || secondary.CloseCallCount != 1 {
		t.Errorf("close calls = %d/%d, want 1/1", primary.CloseCallCount, secondary.CloseCallCount)
	}
}
