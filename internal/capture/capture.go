// Package capture wraps the native audio capture subprocess and exposes it
// as an [audio.Capturer].
//
// One producer process is spawned per active source kind. The producer emits
// newline-delimited JSON messages on stdout (see protocol.go); every "data"
// payload is copied into a freshly-allocated [audio.Frame] before it is
// handed downstream. The producer is permitted to reuse or zero its internal
// buffer the instant it yields control, and an aliased buffer decays into
// zeroed audio that is indistinguishable from genuine silence — the copy is
// therefore the single most safety-critical step of the whole pipeline.
//
// The adapter never restarts a dead producer; restart policy belongs to the
// orchestrator, which observes producer exits via [audio.Stream.Exited].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Sentinel errors surfaced by [Adapter.Start]. All are recoverable at the
// orchestrator layer; none are fatal to the process.
var (
	// ErrAlreadyActive is returned when a stream for the requested source
	// kind already exists.
	ErrAlreadyActive = errors.New("capture: source already active")

	// ErrNotAvailable is returned when the capture binary or device is
	// missing.
	ErrNotAvailable = errors.New("capture: source not available")

	// ErrStartupTimeout is returned when the producer spawned but yielded no
	// frames within the startup window.
	ErrStartupTimeout = errors.New("capture: producer startup timed out")

	// ErrPermissionDenied is returned when the OS refuses the underlying
	// capture capability at spawn time.
	ErrPermissionDenied = errors.New("capture: permission denied")
)

// Config holds the adapter settings.
type Config struct {
	// BinaryPath is the native capture producer executable.
	BinaryPath string

	// Args are extra arguments passed before the source selector.
	Args []string

	// SampleRate and Channels describe the PCM format the producer emits.
	SampleRate int
	Channels   int

	// StartupTimeout bounds the wait for the first frame after spawn.
	// Default: 5s.
	StartupTimeout time.Duration

	// FrameLogInterval is the frame-count milestone between liveness log
	// lines. Logging every frame would drown diagnostics at 50 frames/s.
	// Default: 500.
	FrameLogInterval int

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	// Default: 2s.
	StopGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 5 * time.Second
	}
	if c.FrameLogInterval <= 0 {
		c.FrameLogInterval = 500
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
}

// Adapter spawns and supervises capture producers. It implements
// [audio.Capturer]. All methods are safe for concurrent use.
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	streams map[audio.SourceKind]*stream

	// starting reserves kinds with a spawn in flight, holding the producer
	// pid (zero until spawned) so ProducerPIDs covers the startup window.
	starting map[audio.SourceKind]int32
}

// Compile-time interface assertion.
var _ audio.Capturer = (*Adapter)(nil)

// New creates an Adapter with the given config.
func New(cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{
		cfg:      cfg,
		streams:  make(map[audio.SourceKind]*stream),
		starting: make(map[audio.SourceKind]int32),
	}
}

// Start spawns the producer for kind and waits for its first frame. Only one
// live stream per kind may exist; a second Start fails with
// [ErrAlreadyActive]. The ctx governs only the startup phase.
func (a *Adapter) Start(ctx context.Context, kind audio.SourceKind) (audio.Stream, error) {
	// Reserve the kind's slot in the same critical section as the existence
	// check: two concurrent Starts must never both spawn a producer for one
	// device.
	a.mu.Lock()
	if _, reserved := a.starting[kind]; reserved {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, kind)
	}
	if existing, ok := a.streams[kind]; ok && !existing.isStopped() {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, kind)
	}
	a.starting[kind] = 0
	a.mu.Unlock()

	// install releases the reservation and, on success, publishes the stream.
	install := func(s *stream) {
		a.mu.Lock()
		delete(a.starting, kind)
		if s != nil {
			a.streams[kind] = s
		}
		a.mu.Unlock()
	}

	if _, err := os.Stat(a.cfg.BinaryPath); err != nil {
		install(nil)
		return nil, fmt.Errorf("%w: binary %q: %v", ErrNotAvailable, a.cfg.BinaryPath, err)
	}

	args := append(append([]string{}, a.cfg.Args...), "--source", kind.String())
	cmd := exec.Command(a.cfg.BinaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		install(nil)
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	cmd.Stderr = nil // stderr is discarded; diagnostics travel as protocol messages

	if err := cmd.Start(); err != nil {
		install(nil)
		return nil, fmt.Errorf("%w: spawn %q: %v", ErrNotAvailable, a.cfg.BinaryPath, err)
	}

	a.mu.Lock()
	a.starting[kind] = int32(cmd.Process.Pid)
	a.mu.Unlock()

	s := newStream(streamConfig{
		kind:        kind,
		sourceID:    kind.String() + "-0",
		sampleRate:  a.cfg.SampleRate,
		channels:    a.cfg.Channels,
		logInterval: a.cfg.FrameLogInterval,
		stopGrace:   a.cfg.StopGrace,
		proc:        &osProc{cmd: cmd},
		pid:         int32(cmd.Process.Pid),
	})
	go s.readLoop(stdout)

	if err := s.awaitFirstFrame(ctx, a.cfg.StartupTimeout); err != nil {
		_ = s.Stop()
		install(nil)
		return nil, err
	}

	install(s)

	slog.Info("capture started",
		"source", kind.String(),
		"binary", a.cfg.BinaryPath,
		"sample_rate", a.cfg.SampleRate,
	)
	return s, nil
}

// ProducerPIDs returns the process IDs of all live producers, including any
// still waiting on their first frame. The conflict supervisor uses this to
// spare the adapter's own children.
func (a *Adapter) ProducerPIDs() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var pids []int32
	for _, s := range a.streams {
		if !s.isStopped() && s.cfg.pid > 0 {
			pids = append(pids, s.cfg.pid)
		}
	}
	for _, pid := range a.starting {
		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Devices enumerates the sources this adapter can serve. Availability is
// derived from the presence of the capture binary; per-capability permission
// state is the permission monitor's concern, not the adapter's.
func (a *Adapter) Devices(_ context.Context) []audio.Device {
	available := true
	reason := ""
	if _, err := os.Stat(a.cfg.BinaryPath); err != nil {
		available = false
		reason = fmt.Sprintf("capture binary %q not found", a.cfg.BinaryPath)
	}
	return []audio.Device{
		{ID: audio.Microphone.String() + "-0", Kind: audio.Microphone, Available: available, Reason: reason},
		{ID: audio.SystemAudio.String() + "-0", Kind: audio.SystemAudio, Available: available, Reason: reason},
	}
}

// classifyProducerFailure maps a producer's dying words to a sentinel error.
// The producer reports capability problems as protocol "error" messages
// before exiting; match conservatively on their text.
func classifyProducerFailure(lastErr string, status audio.ExitStatus) error {
	lower := strings.ToLower(lastErr)
	switch {
	case strings.Contains(lower, "permission") || strings.Contains(lower, "not authorized") || strings.Contains(lower, "tcc"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, lastErr)
	case strings.Contains(lower, "no device") || strings.Contains(lower, "not available") || strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", ErrNotAvailable, lastErr)
	case status.Clean():
		return fmt.Errorf("%w: producer exited before first frame", ErrNotAvailable)
	default:
		return fmt.Errorf("%w: producer exited (code=%d signal=%q): %s",
			ErrNotAvailable, status.Code, status.Signal, lastErr)
	}
}
