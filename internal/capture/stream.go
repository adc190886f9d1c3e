package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// procHandle abstracts the producer process so the stream logic can be
// exercised in tests without spawning anything.
type procHandle interface {
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error

	// Kill forcibly ends the process (SIGKILL).
	Kill() error

	// Wait blocks until the process exits and reports its status.
	Wait() audio.ExitStatus
}

// osProc adapts an *exec.Cmd to procHandle.
type osProc struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	status   audio.ExitStatus
}

func (p *osProc) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *osProc) Kill() error      { return p.cmd.Process.Kill() }

func (p *osProc) Wait() audio.ExitStatus {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			p.status = audio.ExitStatus{Code: 0}
			return
		}
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			ws, _ := exitErr.Sys().(syscall.WaitStatus)
			st := audio.ExitStatus{Code: exitErr.ExitCode()}
			if ws.Signaled() {
				st.Signal = ws.Signal().String()
			}
			p.status = st
			return
		}
		p.status = audio.ExitStatus{Code: -1, Signal: err.Error()}
	})
	return p.status
}

// asExitError exists so the errors.As call site stays readable.
func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// frameBuffer is the capacity of a stream's frame channel — about five
// seconds of audio at typical frame sizes before backpressure drops frames.
const frameBuffer = 256

type streamConfig struct {
	kind        audio.SourceKind
	sourceID    string
	sampleRate  int
	channels    int
	logInterval int
	stopGrace   time.Duration
	proc        procHandle

	// pid of the producer process; zero when unknown (tests).
	pid int32
}

// stream is one live capture. It implements [audio.Stream].
type stream struct {
	cfg streamConfig

	frames chan audio.Frame
	exited chan audio.ExitStatus

	// ready is closed when the first data frame arrives.
	ready     chan struct{}
	readyOnce sync.Once

	// stop is closed by Stop; frames arriving afterwards are dropped.
	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	frameCount  atomic.Uint64
	droppedOnce sync.Once

	// lastErrMsg holds the most recent protocol "error" text, used to
	// classify startup failures.
	errMu      sync.Mutex
	lastErrMsg string
}

func newStream(cfg streamConfig) *stream {
	return &stream{
		cfg:    cfg,
		frames: make(chan audio.Frame, frameBuffer),
		exited: make(chan audio.ExitStatus, 1),
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Compile-time interface assertion.
var _ audio.Stream = (*stream)(nil)

// Frames implements [audio.Stream].
func (s *stream) Frames() <-chan audio.Frame { return s.frames }

// Exited implements [audio.Stream].
func (s *stream) Exited() <-chan audio.ExitStatus { return s.exited }

// Stop implements [audio.Stream]. It signals the producer, escalates to
// SIGKILL after the grace period, and is a no-op on repeat calls.
func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)

		if s.cfg.proc == nil {
			return
		}
		if err := s.cfg.proc.Terminate(); err != nil {
			// Process may already be gone; Wait below settles it.
			slog.Debug("capture stop: terminate failed", "source", s.cfg.kind.String(), "error", err)
		}

		done := make(chan struct{})
		go func() {
			s.cfg.proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.stopGrace):
			slog.Warn("capture stop: producer ignored SIGTERM, killing",
				"source", s.cfg.kind.String())
			_ = s.cfg.proc.Kill()
			<-done
		}
		slog.Info("capture stopped", "source", s.cfg.kind.String(), "frames", s.frameCount.Load())
	})
	return nil
}

func (s *stream) isStopped() bool { return s.stopped.Load() }

// awaitFirstFrame blocks until the producer yields its first data frame, the
// producer exits, the ctx is cancelled, or the timeout elapses.
func (s *stream) awaitFirstFrame(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case status := <-s.exited:
		s.errMu.Lock()
		lastErr := s.lastErrMsg
		s.errMu.Unlock()
		return classifyProducerFailure(lastErr, status)
	case <-ctx.Done():
		return fmt.Errorf("capture: startup cancelled: %w", ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: no frames within %v", ErrStartupTimeout, timeout)
	}
}

// readLoop consumes the producer's message stream until EOF. It runs in its
// own goroutine; exactly one readLoop exists per stream.
func (s *stream) readLoop(r io.Reader) {
	defer close(s.frames)

	sc := newMessageScanner(r)
	for {
		msg, err := sc.next()
		if err != nil {
			break
		}

		switch msg.Type {
		case msgData:
			if len(msg.Bytes) == 0 {
				continue
			}
			if s.stopped.Load() {
				// Frames after stop are dropped, not buffered.
				continue
			}
			// The copy: the producer's buffer must never be aliased
			// downstream.
			frame := audio.NewFrame(msg.Bytes, s.cfg.sourceID, s.cfg.sampleRate, s.cfg.channels)
			s.readyOnce.Do(func() { close(s.ready) })

			select {
			case s.frames <- frame:
				n := s.frameCount.Add(1)
				if s.cfg.logInterval > 0 && n%uint64(s.cfg.logInterval) == 0 {
					slog.Debug("capture frames milestone",
						"source", s.cfg.kind.String(),
						"frames", n,
					)
				}
			case <-s.stop:
			default:
				s.droppedOnce.Do(func() {
					slog.Warn("capture frame buffer full, dropping frames",
						"source", s.cfg.kind.String())
				})
			}

		case msgInfo:
			slog.Debug("capture producer", "source", s.cfg.kind.String(), "message", msg.Message)

		case msgError:
			s.errMu.Lock()
			s.lastErrMsg = msg.Message
			s.errMu.Unlock()
			slog.Warn("capture producer error", "source", s.cfg.kind.String(), "message", msg.Message)

		default:
			// Unknown message types are tolerated for forward compatibility.
			slog.Debug("capture: unrecognised producer message", "type", msg.Type)
		}
	}

	// Producer stream ended: report the exit status exactly once. The exited
	// channel is buffered so this never blocks even with no listener.
	var status audio.ExitStatus
	if s.cfg.proc != nil {
		status = s.cfg.proc.Wait()
	}
	select {
	case s.exited <- status:
	default:
	}

	if !status.Clean() && !s.stopped.Load() {
		slog.Error("capture producer exited",
			"source", s.cfg.kind.String(),
			"code", status.Code,
			"signal", status.Signal,
		)
	}
}
