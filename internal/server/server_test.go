package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/internal/question"
	"github.com/MrWong99/earshot/pkg/audio"
)

// fakeController records control calls and returns scripted errors.
type fakeController struct {
	startErr  error
	stopErr   error
	switchErr error

	startCalls  []audio.SourceKind
	stopCalls   []audio.SourceKind
	switchCalls [][2]audio.SourceKind
	statuses    []orchestrator.SessionStatus
}

func (f *fakeController) Start(_ context.Context, kind audio.SourceKind) error {
	f.startCalls = append(f.startCalls, kind)
	return f.startErr
}

func (f *fakeController) Stop(kind audio.SourceKind) error {
	f.stopCalls = append(f.stopCalls, kind)
	return f.stopErr
}

func (f *fakeController) Switch(_ context.Context, from, to audio.SourceKind) error {
	f.switchCalls = append(f.switchCalls, [2]audio.SourceKind{from, to})
	return f.switchErr
}

func (f *fakeController) Status() []orchestrator.SessionStatus { return f.statuses }

func newTestServer(ctrl *fakeController) (*Server, *events.Bus, *question.Buffer) {
	bus := events.NewBus()
	buf := question.NewBuffer()
	srv := New(Options{
		Controller:  ctrl,
		Questions:   buf,
		Bus:         bus,
		Diagnostics: func(context.Context) any { return map[string]string{"status": "running"} },
	})
	return srv, bus, buf
}

func TestStart_ReturnsSessionStatus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{statuses: []orchestrator.SessionStatus{{
		Requested: audio.SystemAudio,
		Active:    audio.SystemAudio,
		State:     orchestrator.StateActive,
		StartedAt: time.Now(),
	}}}
	srv, _, _ := newTestServer(ctrl)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/listen/start",
		strings.NewReader(`{"source":"system-audio"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(ctrl.startCalls) != 1 || ctrl.startCalls[0] != audio.SystemAudio {
		t.Fatalf("start calls = %v", ctrl.startCalls)
	}

	var resp []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0]["state"] != "active" || resp[0]["active"] != "system-audio" {
		t.Errorf("response = %v", resp)
	}
}

func TestStart_UnknownSource(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(&fakeController{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/listen/start",
		strings.NewReader(`{"source":"line-in"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStart_AlreadyActiveConflict(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(&fakeController{startErr: orchestrator.ErrAlreadyActive})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/listen/start",
		strings.NewReader(`{"source":"microphone"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStart_NoSourceUnavailable(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(&fakeController{startErr: orchestrator.ErrNoSource})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/listen/start",
		strings.NewReader(`{"source":"system-audio"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSwitch_ForwardsBothKinds(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	srv, _, _ := newTestServer(ctrl)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/listen/switch",
		strings.NewReader(`{"from":"microphone","to":"system-audio"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	want := [2]audio.SourceKind{audio.Microphone, audio.SystemAudio}
	if len(ctrl.switchCalls) != 1 || ctrl.switchCalls[0] != want {
		t.Errorf("switch calls = %v", ctrl.switchCalls)
	}
}

func TestQuestions_ListAndClear(t *testing.T) {
	t.Parallel()

	srv, _, buf := newTestServer(&fakeController{})
	buf.Append(question.DetectedQuestion{
		ID:         "q-1",
		Text:       "What does the on-call rotation look like?",
		Timestamp:  time.Now(),
		Confidence: 0.9,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/questions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var qs []questionResponse
	if err := json.NewDecoder(rec.Body).Decode(&qs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(qs) != 1 || qs[0].ID != "q-1" {
		t.Fatalf("questions = %+v", qs)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/questions", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer len = %d after clear", buf.Len())
	}
}

func TestDiagnostics(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(&fakeController{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "running" {
		t.Errorf("body = %v", body)
	}
}

func TestEventFeed_ForwardsPublishedEvents(t *testing.T) {
	t.Parallel()

	srv, bus, _ := newTestServer(&fakeController{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bus.Publish(events.Event{
			Kind:    events.KindQuestionDetected,
			Source:  "system-audio",
			Payload: question.DetectedQuestion{ID: "q-1", Text: "Why did you leave your last role?"},
		})

		readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		typ, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			continue
		}
		if typ != websocket.MessageText {
			t.Fatalf("message type = %v", typ)
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "question_detected" || ev.Source != "system-audio" {
			t.Fatalf("event = %+v", ev)
		}
		return
	}
	t.Fatal("no event received before deadline")
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(&fakeController{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
