package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

func testChunk() audio.Chunk {
	return audio.Chunk{
		ID:         "chunk-test-1",
		SourceID:   "mic-0",
		PCM:        make([]byte, 6400),
		SampleRate: 16000,
		Channels:   1,
		Duration:   200 * time.Millisecond,
	}
}

func TestNew_RequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") should return error")
	}
}

func TestTranscribe_Success(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if lang := r.FormValue("language"); lang != "ja" {
			t.Errorf("language = %q, want %q", lang, "ja")
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		header := make([]byte, 44)
		if _, err := io.ReadFull(f, header); err != nil {
			t.Fatalf("read wav header: %v", err)
		}
		if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
			t.Errorf("not a RIFF/WAVE container: %q", header[:12])
		}
		if rate := binary.LittleEndian.Uint32(header[24:28]); rate != 16000 {
			t.Errorf("wav sample rate = %d, want 16000", rate)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": " How does it work? "})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithLanguage("ja"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tr, err := p.Transcribe(context.Background(), testChunk())
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if gotPath != "/inference" {
		t.Errorf("request path = %q, want /inference", gotPath)
	}
	if tr.Text != "How does it work?" {
		t.Errorf("Text = %q, want trimmed transcript", tr.Text)
	}
	if tr.ChunkID != "chunk-test-1" {
		t.Errorf("ChunkID = %q, want chunk-test-1", tr.ChunkID)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Transcribe(context.Background(), testChunk()); err == nil {
		t.Fatal("Transcribe() should surface server errors")
	}
}

func TestTranscribe_EmptyChunk(t *testing.T) {
	t.Parallel()

	p, _ := New("http://localhost:1")
	_, err := p.Transcribe(context.Background(), audio.Chunk{ID: "empty"})
	if !errors.Is(err, stt.ErrEmptyChunk) {
		t.Fatalf("Transcribe(empty) error = %v, want ErrEmptyChunk", err)
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read; otherwise
		// it never notices the client disconnect, r.Context() is never
		// cancelled, and srv.Close() deadlocks waiting for this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.Transcribe(ctx, testChunk()); err == nil {
		t.Fatal("Transcribe() should fail when the context expires")
	}
}
