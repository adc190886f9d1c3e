// Package orchestrator is the single authority for what is currently
// listening.
//
// It runs a small state machine per requested source kind. A non-microphone
// source that cannot start (permission denied, device missing) falls back to
// the microphone so the pipeline is never silent while any source remains,
// and the originally requested source is recorded as pending: when the
// permission monitor reports a grant, the orchestrator retries it exactly
// once per grant event and swaps it back in, emitting SourceRestored.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/permission"
	"github.com/MrWong99/earshot/pkg/audio"
)

// State is one session's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyActive is returned by Start when a session for the requested
// source kind is already starting or active.
var ErrAlreadyActive = errors.New("orchestrator: session already active")

// ErrNoSource is returned when the requested source and every fallback are
// exhausted. It is the only blocking failure Start can surface.
var ErrNoSource = errors.New("orchestrator: no capture source available")

// permissionSource is the slice of the permission monitor the orchestrator
// needs.
type permissionSource interface {
	Subscribe() (<-chan permission.Transition, func())
}

// SessionStatus is a diagnostic snapshot of one session.
type SessionStatus struct {
	Requested audio.SourceKind
	Active    audio.SourceKind
	State     State
	Fallback  bool
	StartedAt time.Time
}

type session struct {
	requested audio.SourceKind
	active    audio.SourceKind
	state     State
	fallback  bool
	stream    audio.Stream
	startedAt time.Time

	// stopRequested covers a Stop racing an in-flight Start.
	stopRequested bool
}

// frameBuffer is the merged output channel capacity shared by all sessions.
const frameBuffer = 512

// Orchestrator owns capture sessions. All methods are safe for concurrent
// use.
type Orchestrator struct {
	capturer audio.Capturer
	perms    permissionSource
	bus      *events.Bus

	mu       sync.Mutex
	sessions map[audio.SourceKind]*session
	pending  map[audio.SourceKind]bool

	frames chan audio.Frame
}

// New creates an Orchestrator. Run must be called for permission-driven
// fallback and restore to work.
func New(capturer audio.Capturer, perms permissionSource, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		capturer: capturer,
		perms:    perms,
		bus:      bus,
		sessions: make(map[audio.SourceKind]*session),
		pending:  make(map[audio.SourceKind]bool),
		frames:   make(chan audio.Frame, frameBuffer),
	}
}

// Frames is the merged stream of frames from every active session, each
// tagged with its source identity.
func (o *Orchestrator) Frames() <-chan audio.Frame { return o.frames }

// Run reacts to permission transitions until ctx is cancelled: a grant
// retries a pending source once, a revocation moves the affected session to
// the microphone fallback.
func (o *Orchestrator) Run(ctx context.Context) {
	transitions, cancel := o.perms.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			switch {
			case tr.Granted():
				o.onGranted(ctx, tr.Capability)
			case tr.Revoked():
				o.onRevoked(ctx, tr.Capability)
			}
		}
	}
}

// Start brings up a session for kind. A non-microphone source that fails
// with a recoverable error falls back to the microphone; the returned error
// is nil in that case because capture is running, and the fallback is
// reported via events instead.
func (o *Orchestrator) Start(ctx context.Context, kind audio.SourceKind) error {
	o.mu.Lock()
	if existing, ok := o.sessions[kind]; ok && existing.state != StateFailed {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, kind)
	}
	sess := &session{requested: kind, active: kind, state: StateStarting}
	o.sessions[kind] = sess
	o.mu.Unlock()
	o.emitState(kind, kind, StateIdle, StateStarting, "")

	stream, err := o.capturer.Start(ctx, kind)
	if err == nil {
		return o.activate(sess, stream, kind, false)
	}
	if kind == audio.Microphone || !recoverable(err) {
		o.fail(sess, err)
		return fmt.Errorf("%w: %s: %v", ErrNoSource, kind, err)
	}

	// Recoverable failure of a non-microphone source: fall back.
	slog.Warn("source unavailable, falling back to microphone",
		"requested", kind.String(),
		"error", err,
	)
	o.mu.Lock()
	o.pending[kind] = true
	o.mu.Unlock()

	micStream, micErr := o.capturer.Start(ctx, audio.Microphone)
	if micErr != nil {
		o.fail(sess, micErr)
		return fmt.Errorf("%w: %s and microphone fallback: %v", ErrNoSource, kind, micErr)
	}
	o.bus.Publish(events.Event{
		Kind:   events.KindSourceFallbackActivated,
		Source: kind.String(),
		Payload: events.FallbackInfo{
			Requested: kind.String(),
			Active:    audio.Microphone.String(),
			Reason:    err.Error(),
		},
	})
	o.bus.Publish(events.Event{
		Kind:   events.KindError,
		Source: kind.String(),
		Payload: events.ErrorInfo{
			Op:          "start-capture",
			Message:     err.Error(),
			Recoverable: true,
		},
	})
	return o.activate(sess, micStream, audio.Microphone, true)
}

// Stop tears down the session for kind. Stopping an idle or unknown session
// is a no-op, and repeat calls produce no duplicate lifecycle events.
func (o *Orchestrator) Stop(kind audio.SourceKind) error {
	o.mu.Lock()
	sess, ok := o.sessions[kind]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	if sess.state == StateStarting && sess.stream == nil {
		// Start is in flight; it will observe the flag and unwind.
		sess.stopRequested = true
		o.mu.Unlock()
		return nil
	}
	from := sess.state
	active := sess.active
	sess.state = StateStopping
	stream := sess.stream
	delete(o.sessions, kind)
	delete(o.pending, kind)
	o.mu.Unlock()

	o.emitState(kind, active, from, StateStopping, "")
	if stream != nil {
		if err := stream.Stop(); err != nil {
			return fmt.Errorf("orchestrator: stop %s: %w", kind, err)
		}
	}
	o.emitState(kind, active, StateStopping, StateIdle, "")
	return nil
}

// StopAll stops every session.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	kinds := make([]audio.SourceKind, 0, len(o.sessions))
	for kind := range o.sessions {
		kinds = append(kinds, kind)
	}
	o.mu.Unlock()
	for _, kind := range kinds {
		_ = o.Stop(kind)
	}
}

// Switch stops the session for from (fully, including producer teardown)
// before starting to. Stop-before-start keeps two producers from racing for
// one device.
func (o *Orchestrator) Switch(ctx context.Context, from, to audio.SourceKind) error {
	if err := o.Stop(from); err != nil {
		return err
	}
	return o.Start(ctx, to)
}

// Status reports a snapshot of all sessions.
func (o *Orchestrator) Status() []SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionStatus, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, SessionStatus{
			Requested: s.requested,
			Active:    s.active,
			State:     s.state,
			Fallback:  s.fallback,
			StartedAt: s.startedAt,
		})
	}
	return out
}

// ─── internals ───────────────────────────────────────────────────────────────

// activate installs a started stream into sess and begins pumping frames.
func (o *Orchestrator) activate(sess *session, stream audio.Stream, active audio.SourceKind, fallback bool) error {
	o.mu.Lock()
	if sess.stopRequested {
		delete(o.sessions, sess.requested)
		o.mu.Unlock()
		_ = stream.Stop()
		o.emitState(sess.requested, active, StateStarting, StateIdle, "stopped during startup")
		return nil
	}
	from := sess.state
	sess.stream = stream
	sess.active = active
	sess.fallback = fallback
	sess.state = StateActive
	sess.startedAt = time.Now()
	o.mu.Unlock()

	o.emitState(sess.requested, active, from, StateActive, "")
	go o.pump(sess, stream)
	return nil
}

func (o *Orchestrator) fail(sess *session, err error) {
	o.mu.Lock()
	sess.state = StateFailed
	active := sess.active
	o.mu.Unlock()
	o.emitState(sess.requested, active, StateStarting, StateFailed, err.Error())
}

// pump forwards a stream's frames onto the merged output channel and watches
// for producer death.
func (o *Orchestrator) pump(sess *session, stream audio.Stream) {
	for f := range stream.Frames() {
		select {
		case o.frames <- f:
		default:
			// Consumer stalled; favour fresh audio over a growing backlog.
		}
	}

	// Channel closed: either a deliberate stop/swap or a dead producer. A
	// swapped-out stream no longer matches the session's current one.
	o.mu.Lock()
	current, ok := o.sessions[sess.requested]
	deliberate := !ok || current != sess || sess.state != StateActive || sess.stream != stream
	o.mu.Unlock()
	if deliberate {
		return
	}

	var status audio.ExitStatus
	select {
	case status = <-stream.Exited():
	default:
	}
	slog.Error("capture producer died",
		"requested", sess.requested.String(),
		"active", sess.active.String(),
		"code", status.Code,
	)
	o.bus.Publish(events.Event{
		Kind:   events.KindError,
		Source: sess.requested.String(),
		Payload: events.ErrorInfo{
			Op:          "capture-stream",
			Message:     fmt.Sprintf("producer exited (code=%d signal=%q)", status.Code, status.Signal),
			Recoverable: sess.active != audio.Microphone,
		},
	})

	if sess.active != audio.Microphone {
		// A dead non-microphone producer degrades to the fallback path
		// rather than leaving the pipeline silent.
		o.degradeToMicrophone(context.Background(), sess.requested, "producer exited")
		return
	}
	o.mu.Lock()
	if o.sessions[sess.requested] == sess {
		sess.state = StateFailed
	}
	active := sess.active
	o.mu.Unlock()
	o.emitState(sess.requested, active, StateActive, StateFailed, "producer exited")
}

// onGranted retries a pending source exactly once for this grant event.
func (o *Orchestrator) onGranted(ctx context.Context, cap permission.Capability) {
	kind := capabilityKind(cap)
	o.mu.Lock()
	if !o.pending[kind] {
		o.mu.Unlock()
		return
	}
	delete(o.pending, kind)
	sess := o.sessions[kind]
	o.mu.Unlock()

	stream, err := o.capturer.Start(ctx, kind)
	if err != nil {
		// This grant's one retry is spent; re-arm for the next grant.
		slog.Warn("pending source retry failed",
			"source", kind.String(),
			"error", err,
		)
		o.mu.Lock()
		o.pending[kind] = true
		o.mu.Unlock()
		return
	}

	// Swap: stop the fallback stream, then install the restored source. The
	// session must be re-checked under the lock: a Stop racing the blocking
	// Start above may have torn it down, and restoring into a dead session
	// would leak the new producer.
	o.mu.Lock()
	if sess == nil || o.sessions[kind] != sess {
		o.mu.Unlock()
		_ = stream.Stop()
		return
	}
	old := sess.stream
	sess.stream = stream
	sess.active = kind
	sess.fallback = false
	sess.state = StateActive
	sess.startedAt = time.Now()
	o.mu.Unlock()
	if old != nil {
		_ = old.Stop()
	}
	go o.pump(sess, stream)

	slog.Info("pending source restored", "source", kind.String())
	o.bus.Publish(events.Event{
		Kind:   events.KindSourceRestored,
		Source: kind.String(),
		Payload: events.FallbackInfo{
			Requested: kind.String(),
			Active:    kind.String(),
		},
	})
}

// onRevoked moves any session actively using the revoked capability to the
// microphone fallback.
func (o *Orchestrator) onRevoked(ctx context.Context, cap permission.Capability) {
	kind := capabilityKind(cap)
	if kind == audio.Microphone {
		return // nothing to fall back to
	}
	o.mu.Lock()
	sess, ok := o.sessions[kind]
	if !ok || sess.state != StateActive || sess.active != kind {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.degradeToMicrophone(ctx, kind, "permission revoked")
}

// degradeToMicrophone swaps an ailing non-microphone session onto the
// microphone and records the original source as pending.
func (o *Orchestrator) degradeToMicrophone(ctx context.Context, kind audio.SourceKind, reason string) {
	o.mu.Lock()
	sess, ok := o.sessions[kind]
	if !ok {
		o.mu.Unlock()
		return
	}
	old := sess.stream
	sess.stream = nil
	o.pending[kind] = true
	o.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}

	micStream, err := o.capturer.Start(ctx, audio.Microphone)
	if err != nil {
		o.mu.Lock()
		sess.state = StateFailed
		o.mu.Unlock()
		o.emitState(kind, kind, StateActive, StateFailed, reason+"; microphone fallback failed: "+err.Error())
		return
	}

	o.mu.Lock()
	sess.stream = micStream
	sess.active = audio.Microphone
	sess.fallback = true
	sess.state = StateActive
	o.mu.Unlock()
	go o.pump(sess, micStream)

	o.bus.Publish(events.Event{
		Kind:   events.KindSourceFallbackActivated,
		Source: kind.String(),
		Payload: events.FallbackInfo{
			Requested: kind.String(),
			Active:    audio.Microphone.String(),
			Reason:    reason,
		},
	})
}

func (o *Orchestrator) emitState(kind, active audio.SourceKind, from, to State, reason string) {
	o.bus.Publish(events.Event{
		Kind:   events.KindSessionStateChanged,
		Source: kind.String(),
		Payload: events.SessionChange{
			From:   from.String(),
			To:     to.String(),
			Active: active.String(),
			Reason: reason,
		},
	})
}

func capabilityKind(cap permission.Capability) audio.SourceKind {
	if cap == permission.CapSystemAudio {
		return audio.SystemAudio
	}
	return audio.Microphone
}

// recoverable reports whether a start failure may be absorbed by the
// fallback path.
func recoverable(err error) bool {
	return errors.Is(err, capture.ErrPermissionDenied) ||
		errors.Is(err, capture.ErrNotAvailable) ||
		errors.Is(err, capture.ErrStartupTimeout)
}
