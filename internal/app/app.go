// Package app wires all Earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the frame-to-question pipeline and the control
// surface, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCapturer, WithTranscriber, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/archive"
	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/chunker"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/conflict"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/internal/permission"
	"github.com/MrWong99/earshot/internal/question"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/server"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/stt"
)

const (
	// transcribeWorkers bounds concurrent transcriptions. Frame ingestion
	// must never wait on a backend, so chunks queue up behind the workers.
	transcribeWorkers = 2

	// chunkQueue is the transcription backlog. A full queue drops the chunk;
	// at ~6s per chunk this is over a minute of unprocessed speech.
	chunkQueue = 16
)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapturer injects a capturer instead of building the subprocess adapter.
func WithCapturer(c audio.Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithTranscriber injects a transcriber instead of building one from config.
func WithTranscriber(p stt.Provider) Option {
	return func(a *App) { a.transcriber = p }
}

// WithProber injects a permission prober instead of the OS-backed one.
func WithProber(p permission.Prober) Option {
	return func(a *App) { a.prober = p }
}

// WithStore injects an archive store instead of connecting from config.
func WithStore(s *archive.Store) Option {
	return func(a *App) { a.store = s }
}

// App owns all subsystem lifetimes and runs the capture-to-question pipeline.
type App struct {
	cfg *config.Config

	bus     *events.Bus
	metrics *observe.Metrics

	capturer    audio.Capturer
	prober      permission.Prober
	monitor     *permission.Monitor
	supervisor  *conflict.Supervisor
	orch        *orchestrator.Orchestrator
	transcriber stt.Provider
	detector    *question.Detector
	questions   *question.Buffer
	store       *archive.Store
	srv         *server.Server

	// transcriberName labels transcription metrics.
	transcriberName string

	// sessionID scopes archived rows to one process lifetime.
	sessionID string

	// chunkers is keyed by frame SourceID and touched only by the ingest
	// goroutine; chunkers are not safe for concurrent use.
	chunkers map[string]*chunker.Chunker

	// chunks feeds the transcription workers.
	chunks chan audio.Chunk

	// lastDiscarded tracks the detector's discard counter between reads so
	// only the delta is recorded as a metric.
	lastDiscarded atomic.Int64

	// framesIngested and chunksEmitted are diagnostics counters; the OTel
	// instruments carry the labelled versions.
	framesIngested atomic.Uint64
	chunksEmitted  atomic.Uint64

	// lastConflict holds the most recent reconcile report that found
	// duplicates, for the diagnostics snapshot.
	lastConflict atomic.Pointer[conflict.Report]

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		bus:       events.NewBus(),
		metrics:   observe.DefaultMetrics(),
		questions: question.NewBuffer(),
		chunkers:  make(map[string]*chunker.Chunker),
		chunks:    make(chan audio.Chunk, chunkQueue),
		sessionID: "session-" + uuid.NewString(),
	}
	for _, o := range opts {
		o(a)
	}

	a.initCapture()
	a.initPermissions()
	if err := a.initTranscriber(); err != nil {
		return nil, fmt.Errorf("app: init transcriber: %w", err)
	}
	a.initDetector()
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	a.orch = orchestrator.New(a.capturer, a.monitor, a.bus)
	a.srv = server.New(server.Options{
		Controller:  a.orch,
		Questions:   a.questions,
		Bus:         a.bus,
		Health:      health.New(a.healthCheckers()...),
		Diagnostics: a.diagnostics,
	})

	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCapture() {
	if a.capturer == nil {
		a.capturer = capture.New(capture.Config{
			BinaryPath:     a.cfg.Capture.BinaryPath,
			Args:           a.cfg.Capture.Args,
			SampleRate:     a.cfg.Capture.SampleRate,
			Channels:       a.cfg.Capture.Channels,
			StartupTimeout: a.cfg.Capture.StartupTimeout.Std(),
			StopGrace:      a.cfg.Capture.StopGrace.Std(),
		})
	}

	// The supervisor must never kill this process's own producers.
	var protected func() []int32
	if adapter, ok := a.capturer.(*capture.Adapter); ok {
		protected = adapter.ProducerPIDs
	}
	a.supervisor = conflict.NewSupervisor(conflict.Config{
		BinaryName: a.cfg.Conflict.BinaryName,
		Grace:      a.cfg.Conflict.Grace.Std(),
	}, protected)
}

func (a *App) initPermissions() {
	if a.prober == nil {
		a.prober = permission.NewSystemProber(permission.AdapterProbe(a.capturer))
	}
	a.monitor = permission.NewMonitor(a.prober, permission.Config{
		Interval: a.cfg.Permissions.PollInterval.Std(),
	})
}

func (a *App) initTranscriber() error {
	if a.transcriber != nil {
		if a.transcriberName == "" {
			a.transcriberName = "injected"
		}
		return nil
	}

	reg := config.DefaultRegistry()
	primaryEntry := a.cfg.Transcription.Primary
	primary, err := reg.CreateSTT(primaryEntry)
	if err != nil {
		return fmt.Errorf("create primary %q: %w", primaryEntry.Name, err)
	}

	tf := resilience.NewTranscriberFallback(primary, primaryEntry.Name, resilience.FallbackConfig{})
	for _, entry := range a.cfg.Transcription.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return fmt.Errorf("create fallback %q: %w", entry.Name, err)
		}
		tf.AddFallback(entry.Name, p)
	}

	a.transcriber = tf
	a.transcriberName = primaryEntry.Name
	a.closers = append(a.closers, tf.Close)
	return nil
}

func (a *App) initDetector() {
	var opts []question.Option
	if a.cfg.Detector.MinConfidence > 0 {
		opts = append(opts, question.WithMinConfidence(a.cfg.Detector.MinConfidence))
	}
	if a.cfg.Detector.DedupScore > 0 {
		opts = append(opts, question.WithDedupScore(a.cfg.Detector.DedupScore))
	}
	a.detector = question.New(opts...)
}

func (a *App) initArchive(ctx context.Context) error {
	if a.store != nil || a.cfg.Archive.PostgresDSN == "" {
		return nil
	}
	store, err := archive.NewStore(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("archive enabled", "session_id", a.sessionID)
	return nil
}

func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "capture",
		Check: func(ctx context.Context) error {
			for _, d := range a.capturer.Devices(ctx) {
				if !d.Available {
					return fmt.Errorf("%s: %s", d.ID, d.Reason)
				}
			}
			return nil
		},
	}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.store.Ping})
	}
	return checkers
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts all pipeline goroutines and the control surface, then blocks
// until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	// One mandatory reconcile before any capture starts: a stale producer
	// from a crashed run would otherwise hold the device.
	a.reconcile(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.orch.Run(ctx)
		return nil
	})
	g.Go(func() error { return a.ingest(ctx) })
	for range transcribeWorkers {
		g.Go(func() error { return a.transcribeLoop(ctx) })
	}
	g.Go(func() error { return a.forwardPermissions(ctx) })
	if interval := a.cfg.Conflict.RecheckInterval.Std(); interval > 0 {
		g.Go(func() error { return a.reconcileLoop(ctx, interval) })
	}
	g.Go(func() error { return a.srv.Run(ctx, a.cfg.Server.ListenAddr) })

	slog.Info("earshot running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"transcriber", a.transcriberName,
		"archive", a.store != nil,
	)
	return g.Wait()
}

// Handler exposes the control surface routes, for tests and embedding.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// ingest owns the frame-to-chunk stage: it reads every captured frame, feeds
// the per-source chunker, and hands completed chunks to the workers. Session
// teardown events are handled here too so chunker state stays single-owner.
func (a *App) ingest(ctx context.Context) error {
	sub, cancel := a.bus.Subscribe()
	defer cancel()

	frames := a.orch.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-frames:
			a.framesIngested.Add(1)
			a.metrics.FramesCaptured.Add(ctx, 1,
				metric.WithAttributes(attribute.String("source", f.SourceID)))

			ck, ok := a.chunkers[f.SourceID]
			if !ok {
				ck = chunker.New(chunker.Config{
					EnergyThreshold:  a.cfg.Chunker.EnergyThreshold,
					SilenceThreshold: a.cfg.Chunker.SilenceThreshold.Std(),
					MinChunkDuration: a.cfg.Chunker.MinChunkDuration.Std(),
					MaxChunkDuration: a.cfg.Chunker.MaxChunkDuration.Std(),
					HintMinDuration:  a.cfg.Chunker.HintMinDuration.Std(),
				})
				a.chunkers[f.SourceID] = ck
			}
			if chunk := ck.Feed(f); chunk != nil {
				a.dispatch(ctx, *chunk)
			}

		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			a.onPipelineEvent(ctx, ev)
		}
	}
}

// onPipelineEvent reacts to session transitions: adjusts the live-session
// gauge and clears per-source pipeline state when a session ends.
func (a *App) onPipelineEvent(ctx context.Context, ev events.Event) {
	if ev.Kind != events.KindSessionStateChanged {
		return
	}
	change, ok := ev.Payload.(events.SessionChange)
	if !ok {
		return
	}

	if change.To == "active" && change.From != "active" {
		a.metrics.ActiveSessions.Add(ctx, 1)
	}
	if change.From == "active" && change.To != "active" {
		a.metrics.ActiveSessions.Add(ctx, -1)
	}

	if change.To != "idle" && change.To != "failed" {
		return
	}
	// A fallback session's frames carry the active source's IDs, not the
	// requested kind's, so the reset must cover both.
	prefixes := []string{ev.Source}
	if change.Active != "" && change.Active != ev.Source {
		prefixes = append(prefixes, change.Active)
	}
	for id, ck := range a.chunkers {
		for _, prefix := range prefixes {
			if strings.HasPrefix(id, prefix) {
				ck.Reset()
				break
			}
		}
	}
	if !a.anySessionLive() {
		// Dedup history is per listening session, not per process lifetime.
		a.detector.Clear()
		a.lastDiscarded.Store(0)
	}
}

func (a *App) anySessionLive() bool {
	for _, st := range a.orch.Status() {
		switch st.State {
		case orchestrator.StateIdle, orchestrator.StateFailed:
		default:
			return true
		}
	}
	return false
}

// dispatch publishes the chunk event and queues it for transcription without
// ever blocking the ingest loop.
func (a *App) dispatch(ctx context.Context, chunk audio.Chunk) {
	a.chunksEmitted.Add(1)
	a.bus.Publish(events.Event{
		Kind:   events.KindChunkRecorded,
		Source: chunk.SourceID,
		Payload: events.ChunkInfo{
			ChunkID:       chunk.ID,
			Duration:      chunk.Duration,
			WordCountHint: chunk.WordCountHint,
		},
	})
	a.metrics.RecordChunk(ctx, chunk.SourceID, chunk.Reason, chunk.Duration)

	select {
	case a.chunks <- chunk:
	default:
		slog.Warn("transcription backlog full, dropping chunk",
			"chunk_id", chunk.ID,
			"duration", chunk.Duration,
		)
	}
}

func (a *App) transcribeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-a.chunks:
			a.transcribe(ctx, chunk)
		}
	}
}

// transcribe runs one chunk through the backend chain and the question
// detector. Failures are recoverable: the pipeline keeps consuming.
func (a *App) transcribe(ctx context.Context, chunk audio.Chunk) {
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe")
	defer span.End()

	start := time.Now()
	tr, err := a.transcriber.Transcribe(ctx, chunk)
	a.metrics.RecordTranscription(ctx, a.transcriberName, time.Since(start), err)

	if err != nil {
		if errors.Is(err, stt.ErrEmptyChunk) {
			return
		}
		observe.Logger(ctx).Warn("transcription failed", "chunk_id", chunk.ID, "err", err)
		a.bus.Publish(events.Event{
			Kind:   events.KindError,
			Source: chunk.SourceID,
			Payload: events.ErrorInfo{
				Op:          "transcribe",
				Message:     err.Error(),
				Recoverable: true,
			},
		})
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}

	a.bus.Publish(events.Event{
		Kind:   events.KindTranscriptionCompleted,
		Source: chunk.SourceID,
		Payload: events.TranscriptInfo{
			ChunkID:    chunk.ID,
			Text:       text,
			Confidence: tr.Confidence,
		},
	})
	if a.store != nil {
		rec := archive.TranscriptRecord{
			ChunkID:    chunk.ID,
			SourceID:   chunk.SourceID,
			Text:       text,
			Confidence: tr.Confidence,
			Duration:   chunk.Duration,
		}
		if err := a.store.SaveTranscript(ctx, a.sessionID, rec); err != nil {
			slog.Warn("archive transcript failed", "chunk_id", chunk.ID, "err", err)
		}
	}

	for _, q := range a.detector.Detect(text, chunk.ID) {
		a.questions.Append(q)
		a.bus.Publish(events.Event{
			Kind:    events.KindQuestionDetected,
			Source:  chunk.SourceID,
			Payload: q,
		})
		a.metrics.QuestionsDetected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", chunk.SourceID)))
		if a.store != nil {
			if err := a.store.SaveQuestion(ctx, a.sessionID, q); err != nil {
				slog.Warn("archive question failed", "question_id", q.ID, "err", err)
			}
		}
		observe.Logger(ctx).Info("question detected",
			"text", q.Text,
			"confidence", q.Confidence,
			"source", chunk.SourceID,
		)
	}
	a.recordDiscards(ctx)
}

// recordDiscards converts the detector's monotonic discard counter into a
// metric delta.
func (a *App) recordDiscards(ctx context.Context) {
	now := int64(a.detector.Discarded())
	prev := a.lastDiscarded.Swap(now)
	if now > prev {
		a.metrics.MalformedDiscarded.Add(ctx, now-prev)
	}
}

// forwardPermissions republishes permission transitions as pipeline events.
func (a *App) forwardPermissions(ctx context.Context) error {
	sub, cancel := a.monitor.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-sub:
			if !ok {
				return nil
			}
			a.bus.Publish(events.Event{
				Kind: events.KindPermissionChanged,
				Payload: events.PermissionChange{
					Capability: tr.Capability.String(),
					State:      tr.To.String(),
					Granted:    tr.Granted(),
				},
			})
			a.metrics.RecordPermissionFlip(ctx, tr.Capability.String(), tr.To.String())
			slog.Info("permission changed",
				"capability", tr.Capability.String(),
				"from", tr.From.String(),
				"to", tr.To.String(),
			)
		}
	}
}

// ─── Conflict reconciliation ─────────────────────────────────────────────────

func (a *App) reconcile(ctx context.Context) {
	report, err := a.supervisor.Reconcile(ctx)
	if err != nil {
		slog.Warn("conflict reconcile failed", "err", err)
		return
	}
	if !report.Conflicted() {
		return
	}
	slog.Info("terminated duplicate capture processes",
		"kept", report.Kept,
		"terminated", report.Terminated,
	)
	a.lastConflict.Store(&report)
	a.bus.Publish(events.Event{
		Kind:    events.KindConflictResolved,
		Payload: report,
	})
}

func (a *App) reconcileLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.reconcile(ctx)
		}
	}
}

// ─── Diagnostics ─────────────────────────────────────────────────────────────

type sessionDiag struct {
	Requested string `json:"requested"`
	Active    string `json:"active"`
	State     string `json:"state"`
	Fallback  bool   `json:"fallback"`
}

type diagnostics struct {
	SessionID     string            `json:"session_id"`
	Sessions      []sessionDiag     `json:"sessions"`
	Permissions   map[string]string `json:"permissions"`
	Backends      map[string]string `json:"transcription_backends,omitempty"`
	Frames        uint64            `json:"frames_ingested"`
	Chunks        uint64            `json:"chunks_emitted"`
	Discarded     int               `json:"fragments_discarded"`
	Questions     int               `json:"questions_buffered"`
	DroppedEvents uint64            `json:"dropped_events"`
	LastConflict  *conflict.Report  `json:"last_conflict,omitempty"`
}

func (a *App) diagnostics(context.Context) any {
	d := diagnostics{
		SessionID:     a.sessionID,
		Sessions:      []sessionDiag{},
		Permissions:   make(map[string]string, 2),
		Frames:        a.framesIngested.Load(),
		Chunks:        a.chunksEmitted.Load(),
		Discarded:     a.detector.Discarded(),
		Questions:     a.questions.Len(),
		DroppedEvents: a.bus.Dropped(),
		LastConflict:  a.lastConflict.Load(),
	}
	for _, st := range a.orch.Status() {
		d.Sessions = append(d.Sessions, sessionDiag{
			Requested: st.Requested.String(),
			Active:    st.Active.String(),
			State:     st.State.String(),
			Fallback:  st.Fallback,
		})
	}
	for _, c := range []permission.Capability{permission.CapMicrophone, permission.CapSystemAudio} {
		d.Permissions[c.String()] = a.monitor.Reported(c).String()
	}
	if tf, ok := a.transcriber.(*resilience.TranscriberFallback); ok {
		d.Backends = make(map[string]string)
		for name, state := range tf.BackendStates() {
			d.Backends[name] = state.String()
		}
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all capture sessions and tears subsystems down in order. It
// respects the context deadline: remaining closers are skipped once ctx
// expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.orch.StopAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
