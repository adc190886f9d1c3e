// Package server exposes the HTTP control surface of the capture pipeline.
//
// Routes:
//
//   - POST   /v1/listen/start  — start a capture session
//   - POST   /v1/listen/stop   — stop a capture session
//   - POST   /v1/listen/switch — switch the active source
//   - GET    /v1/questions     — list detected questions
//   - DELETE /v1/questions     — clear the question buffer
//   - GET    /v1/diagnostics   — pipeline diagnostics snapshot
//   - GET    /v1/events        — websocket event feed
//   - GET    /metrics          — Prometheus metrics
//   - GET    /healthz, /readyz — liveness and readiness
//
// The server binds to loopback by default; there is no authentication layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/internal/question"
	"github.com/MrWong99/earshot/pkg/audio"
)

// shutdownTimeout bounds the drain of in-flight requests on Run exit.
const shutdownTimeout = 5 * time.Second

// Controller is the session-control subset of the orchestrator the server
// needs.
type Controller interface {
	Start(ctx context.Context, kind audio.SourceKind) error
	Stop(kind audio.SourceKind) error
	Switch(ctx context.Context, from, to audio.SourceKind) error
	Status() []orchestrator.SessionStatus
}

// Options carries the server's collaborators.
type Options struct {
	Controller Controller
	Questions  *question.Buffer
	Bus        *events.Bus

	// Health serves /healthz and /readyz; nil installs a checker-less handler.
	Health *health.Handler

	// Diagnostics produces the /v1/diagnostics payload; nil disables the route.
	Diagnostics func(ctx context.Context) any
}

// Server is the HTTP control surface. Construct with [New].
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/listen/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/listen/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/listen/switch", s.handleSwitch)
	s.mux.HandleFunc("GET /v1/questions", s.handleListQuestions)
	s.mux.HandleFunc("DELETE /v1/questions", s.handleClearQuestions)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	if opts.Diagnostics != nil {
		s.mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())

	h := opts.Health
	if h == nil {
		h = health.New()
	}
	h.Register(s.mux)

	return s
}

// Handler returns the route table, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("control surface listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ─── Session control ─────────────────────────────────────────────────────────

type startRequest struct {
	Source string `json:"source"`
}

type switchRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type sessionResponse struct {
	Requested string `json:"requested"`
	Active    string `json:"active"`
	State     string `json:"state"`
	Fallback  bool   `json:"fallback"`
	StartedAt string `json:"started_at,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.decodeSource(w, r)
	if !ok {
		return
	}
	if err := s.opts.Controller.Start(r.Context(), kind); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.decodeSource(w, r)
	if !ok {
		return
	}
	if err := s.opts.Controller.Stop(kind); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	from, ok := audio.ParseSourceKind(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.From))
		return
	}
	to, ok := audio.ParseSourceKind(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.To))
		return
	}
	if err := s.opts.Controller.Switch(r.Context(), from, to); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) decodeSource(w http.ResponseWriter, r *http.Request) (audio.SourceKind, bool) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return 0, false
	}
	kind, ok := audio.ParseSourceKind(req.Source)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return 0, false
	}
	return kind, true
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoSource):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) statusResponse() []sessionResponse {
	statuses := s.opts.Controller.Status()
	out := make([]sessionResponse, 0, len(statuses))
	for _, st := range statuses {
		resp := sessionResponse{
			Requested: st.Requested.String(),
			Active:    st.Active.String(),
			State:     st.State.String(),
			Fallback:  st.Fallback,
		}
		if !st.StartedAt.IsZero() {
			resp.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	return out
}

// ─── Questions ───────────────────────────────────────────────────────────────

type questionResponse struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence"`
	ChunkID    string  `json:"chunk_id,omitempty"`
}

func (s *Server) handleListQuestions(w http.ResponseWriter, _ *http.Request) {
	qs := s.opts.Questions.List()
	out := make([]questionResponse, 0, len(qs))
	for _, q := range qs {
		out = append(out, questionResponse{
			ID:         q.ID,
			Text:       q.Text,
			Timestamp:  q.Timestamp.UTC().Format(time.RFC3339Nano),
			Confidence: q.Confidence,
			ChunkID:    q.SourceChunkID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearQuestions(w http.ResponseWriter, _ *http.Request) {
	s.opts.Questions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// ─── Diagnostics ─────────────────────────────────────────────────────────────

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Diagnostics(r.Context()))
}

// ─── Event feed ──────────────────────────────────────────────────────────────

// wireEvent is the JSON framing of one feed event.
type wireEvent struct {
	Type    string `json:"type"`
	Time    string `json:"time"`
	Source  string `json:"source,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// handleEvents upgrades to a websocket and forwards bus events until the
// client disconnects. Each subscriber gets its own bus channel; slow clients
// miss old events rather than stalling the pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("event feed accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, cancel := s.opts.Bus.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(wireEvent{
				Type:    ev.Kind.String(),
				Time:    ev.Time.UTC().Format(time.RFC3339Nano),
				Source:  ev.Source,
				Payload: ev.Payload,
			})
			if err != nil {
				slog.Warn("event feed marshal failed", "kind", ev.Kind, "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("event feed client gone", "err", err)
				return
			}
		}
	}
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
