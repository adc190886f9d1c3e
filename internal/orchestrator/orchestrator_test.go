package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/capture/mock"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/permission"
	"github.com/MrWong99/earshot/pkg/audio"
)

// fakePerms hand-feeds permission transitions to the orchestrator.
type fakePerms struct {
	ch chan permission.Transition
}

func newFakePerms() *fakePerms {
	return &fakePerms{ch: make(chan permission.Transition, 8)}
}

func (f *fakePerms) Subscribe() (<-chan permission.Transition, func()) {
	return f.ch, func() {}
}

func (f *fakePerms) grant(cap permission.Capability) {
	f.ch <- permission.Transition{Capability: cap, From: permission.StateDenied, To: permission.StateGranted}
}

func (f *fakePerms) revoke(cap permission.Capability) {
	f.ch <- permission.Transition{Capability: cap, From: permission.StateGranted, To: permission.StateDenied}
}

func setup() (*Orchestrator, *mock.Capturer, *fakePerms, *events.Bus) {
	capt := mock.NewCapturer()
	perms := newFakePerms()
	bus := events.NewBus()
	return New(capt, perms, bus), capt, perms, bus
}

// awaitEvent drains the subscription until an event of the wanted kind
// arrives or the timeout expires.
func awaitEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event received", kind)
			return events.Event{}
		}
	}
}

func assertNoEvent(t *testing.T, ch <-chan events.Event, kind events.Kind, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestStart_ActivatesAndPumpsFrames(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()

	stream := mock.NewStream()
	capt.EnqueueStream(audio.Microphone, stream)

	if err := o.Start(context.Background(), audio.Microphone); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := o.Status()
	if len(status) != 1 || status[0].State != StateActive || status[0].Fallback {
		t.Fatalf("status = %+v, want one active non-fallback session", status)
	}

	stream.PushPCM([]byte{0x01, 0x02, 0x03, 0x04}, "microphone-0")
	select {
	case f := <-o.Frames():
		if f.SourceID != "microphone-0" {
			t.Errorf("frame SourceID = %q", f.SourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame forwarded")
	}
}

func TestStart_AtMostOneActivePerKind(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()
	capt.EnqueueStream(audio.Microphone, mock.NewStream())
	capt.EnqueueStream(audio.Microphone, mock.NewStream())

	const starters = 4
	errs := make(chan error, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Start(context.Background(), audio.Microphone)
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyActive):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != starters-1 {
		t.Errorf("succeeded=%d rejected=%d, want 1/%d", succeeded, rejected, starters-1)
	}
}

func TestStart_FallsBackToMicrophone(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()
	evs, cancel := bus.Subscribe()
	defer cancel()

	capt.EnqueueError(audio.SystemAudio, capture.ErrPermissionDenied)
	capt.EnqueueStream(audio.Microphone, mock.NewStream())

	if err := o.Start(context.Background(), audio.SystemAudio); err != nil {
		t.Fatalf("Start should absorb a recoverable failure, got %v", err)
	}

	ev := awaitEvent(t, evs, events.KindSourceFallbackActivated)
	info := ev.Payload.(events.FallbackInfo)
	if info.Requested != "system-audio" || info.Active != "microphone" || info.Reason == "" {
		t.Errorf("fallback payload = %+v", info)
	}

	status := o.Status()
	if len(status) != 1 || !status[0].Fallback || status[0].Active != audio.Microphone {
		t.Errorf("status = %+v, want microphone fallback session", status)
	}
}

func TestStart_AllSourcesExhausted(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()

	capt.EnqueueError(audio.SystemAudio, capture.ErrNotAvailable)
	capt.EnqueueError(audio.Microphone, capture.ErrPermissionDenied)

	err := o.Start(context.Background(), audio.SystemAudio)
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("Start = %v, want ErrNoSource", err)
	}
}

func TestFallbackRoundTrip_EmitsExactlyOneSourceRestored(t *testing.T) {
	t.Parallel()

	o, capt, perms, bus := setup()
	defer bus.Close()
	evs, cancel := bus.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go o.Run(ctx)

	micStream := mock.NewStream()
	capt.EnqueueError(audio.SystemAudio, capture.ErrPermissionDenied)
	capt.EnqueueStream(audio.Microphone, micStream)

	if err := o.Start(ctx, audio.SystemAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitEvent(t, evs, events.KindSourceFallbackActivated)

	// Permission arrives: the orchestrator restores the requested source on
	// its own, with no further external calls.
	restored := mock.NewStream()
	capt.EnqueueStream(audio.SystemAudio, restored)
	perms.grant(permission.CapSystemAudio)

	awaitEvent(t, evs, events.KindSourceRestored)
	if micStream.Stopped() == 0 {
		t.Error("fallback microphone stream must be stopped on restore")
	}
	status := o.Status()
	if len(status) != 1 || status[0].Active != audio.SystemAudio || status[0].Fallback {
		t.Errorf("status after restore = %+v", status)
	}

	// A second grant with nothing pending restores nothing.
	perms.grant(permission.CapSystemAudio)
	assertNoEvent(t, evs, events.KindSourceRestored, 200*time.Millisecond)
}

func TestStop_FallbackSessionReportsActiveSource(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()

	capt.EnqueueError(audio.SystemAudio, capture.ErrPermissionDenied)
	capt.EnqueueStream(audio.Microphone, mock.NewStream())
	if err := o.Start(context.Background(), audio.SystemAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}

	evs, cancel := bus.Subscribe()
	defer cancel()
	if err := o.Stop(audio.SystemAudio); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ev := awaitEvent(t, evs, events.KindSessionStateChanged)
	change := ev.Payload.(events.SessionChange)
	if ev.Source != "system-audio" || change.Active != "microphone" {
		t.Errorf("stop event source=%q active=%q, want requested kind with the fallback's active source", ev.Source, change.Active)
	}
}

// gateCapturer holds armed Start calls for one kind until released, so tests
// can interleave other orchestrator calls with an in-flight start.
type gateCapturer struct {
	*mock.Capturer
	kind    audio.SourceKind
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGateCapturer(inner *mock.Capturer, kind audio.SourceKind) *gateCapturer {
	return &gateCapturer{
		Capturer: inner,
		kind:     kind,
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

func (g *gateCapturer) Start(ctx context.Context, kind audio.SourceKind) (audio.Stream, error) {
	if kind == g.kind && g.armed.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Capturer.Start(ctx, kind)
}

func TestGrantRacingStop_DoesNotRestoreStoppedSession(t *testing.T) {
	t.Parallel()

	capt := mock.NewCapturer()
	gate := newGateCapturer(capt, audio.SystemAudio)
	perms := newFakePerms()
	bus := events.NewBus()
	defer bus.Close()
	o := New(gate, perms, bus)

	evs, cancel := bus.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go o.Run(ctx)

	micStream := mock.NewStream()
	capt.EnqueueError(audio.SystemAudio, capture.ErrPermissionDenied)
	capt.EnqueueStream(audio.Microphone, micStream)
	if err := o.Start(ctx, audio.SystemAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitEvent(t, evs, events.KindSourceFallbackActivated)

	// The grant's retry blocks inside the capturer; a Stop lands in that
	// window and tears the session down.
	restored := mock.NewStream()
	capt.EnqueueStream(audio.SystemAudio, restored)
	gate.armed.Store(true)
	perms.grant(permission.CapSystemAudio)

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("restore retry never reached the capturer")
	}
	if err := o.Stop(audio.SystemAudio); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	gate.armed.Store(false)
	close(gate.release)

	// The late stream must be torn down, not installed into the dead session.
	deadline := time.Now().Add(2 * time.Second)
	for restored.Stopped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("restored stream was never stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assertNoEvent(t, evs, events.KindSourceRestored, 200*time.Millisecond)
	if status := o.Status(); len(status) != 0 {
		t.Errorf("status = %+v, want no sessions", status)
	}

	// The kind is free again for a fresh session.
	capt.EnqueueStream(audio.SystemAudio, mock.NewStream())
	if err := o.Start(ctx, audio.SystemAudio); err != nil {
		t.Fatalf("Start after raced stop: %v", err)
	}
}

func TestRevoke_DegradesToMicrophone(t *testing.T) {
	t.Parallel()

	o, capt, perms, bus := setup()
	defer bus.Close()
	evs, cancel := bus.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go o.Run(ctx)

	sysStream := mock.NewStream()
	capt.EnqueueStream(audio.SystemAudio, sysStream)
	if err := o.Start(ctx, audio.SystemAudio); err != nil {
		t.Fatalf("Start: %v", err)
	}

	capt.EnqueueStream(audio.Microphone, mock.NewStream())
	perms.revoke(permission.CapSystemAudio)

	ev := awaitEvent(t, evs, events.KindSourceFallbackActivated)
	info := ev.Payload.(events.FallbackInfo)
	if info.Reason != "permission revoked" {
		t.Errorf("fallback reason = %q", info.Reason)
	}
	if sysStream.Stopped() == 0 {
		t.Error("revoked stream must be stopped")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()
	capt.EnqueueStream(audio.Microphone, mock.NewStream())

	if err := o.Start(context.Background(), audio.Microphone); err != nil {
		t.Fatalf("Start: %v", err)
	}

	evs, cancel := bus.Subscribe()
	defer cancel()

	if err := o.Stop(audio.Microphone); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	awaitEvent(t, evs, events.KindSessionStateChanged) // stopping
	awaitEvent(t, evs, events.KindSessionStateChanged) // idle

	if err := o.Stop(audio.Microphone); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	assertNoEvent(t, evs, events.KindSessionStateChanged, 200*time.Millisecond)

	// Stopping a kind that never started is also a no-op.
	if err := o.Stop(audio.SystemAudio); err != nil {
		t.Fatalf("Stop on idle kind: %v", err)
	}
}

func TestSwitch_StopsBeforeStarting(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()

	micStream := mock.NewStream()
	capt.EnqueueStream(audio.Microphone, micStream)
	capt.EnqueueStream(audio.SystemAudio, mock.NewStream())

	if err := o.Start(context.Background(), audio.Microphone); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Switch(context.Background(), audio.Microphone, audio.SystemAudio); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if micStream.Stopped() == 0 {
		t.Error("old stream must be stopped before the new source starts")
	}
	calls := capt.Calls()
	if len(calls) != 2 || calls[1].Kind != audio.SystemAudio {
		t.Errorf("capturer calls = %+v", calls)
	}

	status := o.Status()
	if len(status) != 1 || status[0].Requested != audio.SystemAudio {
		t.Errorf("status after switch = %+v", status)
	}
}

func TestProducerDeath_FailsMicrophoneSession(t *testing.T) {
	t.Parallel()

	o, capt, _, bus := setup()
	defer bus.Close()
	evs, cancel := bus.Subscribe()
	defer cancel()

	stream := mock.NewStream()
	capt.EnqueueStream(audio.Microphone, stream)
	if err := o.Start(context.Background(), audio.Microphone); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.Exit(audio.ExitStatus{Code: 1})

	ev := awaitEvent(t, evs, events.KindError)
	info := ev.Payload.(events.ErrorInfo)
	if info.Op != "capture-stream" || info.Recoverable {
		t.Errorf("error payload = %+v", info)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := o.Status()
		if len(status) == 1 && status[0].State == StateFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached Failed: %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
