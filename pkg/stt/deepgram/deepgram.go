// Package deepgram provides a Deepgram-backed transcriber using the Deepgram
// streaming WebSocket API. Each utterance chunk is transcribed over a short-
// lived streaming session: the PCM is written, the stream is closed, and the
// final results are collected. This keeps the batch [stt.Provider] contract
// while using the same wire protocol as a live stream.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultMaxSession = 30 * time.Second

	// writeSegment is the size of each binary audio message. Deepgram
	// recommends chunked delivery rather than one large frame.
	writeSegment = 8192
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g. "en", "ja").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the Deepgram websocket endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// response is the JSON structure returned by Deepgram for a Results event.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Transcribe streams the chunk to Deepgram and assembles the final results.
func (p *Provider) Transcribe(ctx context.Context, chunk audio.Chunk) (stt.Transcript, error) {
	if len(chunk.PCM) == 0 {
		return stt.Transcript{}, stt.ErrEmptyChunk
	}

	ctx, cancel := context.WithTimeout(ctx, defaultMaxSession)
	defer cancel()

	wsURL, err := p.buildURL(chunk)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Deliver the audio in segments, then announce end of stream.
	for off := 0; off < len(chunk.PCM); off += writeSegment {
		end := min(off+writeSegment, len(chunk.PCM))
		if err := conn.Write(ctx, websocket.MessageBinary, chunk.PCM[off:end]); err != nil {
			return stt.Transcript{}, fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	tr, err := p.collect(ctx, conn, chunk)
	if err != nil {
		return stt.Transcript{}, err
	}
	return tr, nil
}

// collect reads Results messages until Deepgram signals the end of the
// session (Metadata message or connection close).
func (p *Provider) collect(ctx context.Context, conn *websocket.Conn, chunk audio.Chunk) (stt.Transcript, error) {
	var (
		parts      []string
		words      []stt.WordDetail
		confSum    float64
		confCount  int
		gotResults bool
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// A normal closure after results is a valid end of session.
			if gotResults && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			if gotResults && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read results: %w", err)
		}

		var msg response
		if err := json.Unmarshal(data, &msg); err != nil {
			// Tolerate unparseable service messages.
			continue
		}

		switch msg.Type {
		case "Results":
			if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript != "" {
				parts = append(parts, alt.Transcript)
				confSum += alt.Confidence
				confCount++
			}
			for _, w := range alt.Words {
				words = append(words, stt.WordDetail{
					Word:       w.Word,
					Start:      secondsToDuration(w.Start),
					End:        secondsToDuration(w.End),
					Confidence: w.Confidence,
				})
			}
			gotResults = true
		case "Metadata":
			// End of session summary.
			gotResults = true
			goto done
		}
	}
done:

	var confidence float64
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}
	return stt.Transcript{
		Text:       strings.Join(parts, " "),
		Confidence: confidence,
		Language:   p.language,
		ChunkID:    chunk.ID,
		Duration:   chunk.Duration,
		Words:      words,
	}, nil
}

// buildURL constructs the streaming endpoint URL for the given chunk format.
func (p *Provider) buildURL(chunk audio.Chunk) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(chunk.SampleRate))
	if chunk.Channels > 0 {
		q.Set("channels", strconv.Itoa(chunk.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
