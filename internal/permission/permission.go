// Package permission polls OS capability state for the capture pipeline and
// emits edge-triggered Granted/Revoked transitions.
//
// Two views of a capability exist and genuinely disagree in the wild: the
// OS-reported flag, and whether the capture API actually yields non-empty
// audio. macOS is known to report a capability as granted while capture
// returns silence. The monitor exposes both; callers needing certainty use
// the functional probe.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Capability identifies an OS capture capability.
type Capability int

const (
	// CapMicrophone is microphone input access.
	CapMicrophone Capability = iota

	// CapSystemAudio is system audio / screen capture access.
	CapSystemAudio
)

func (c Capability) String() string {
	switch c {
	case CapMicrophone:
		return "microphone"
	case CapSystemAudio:
		return "system-audio"
	default:
		return "unknown"
	}
}

// State is the OS-reported permission state for one capability.
type State int

const (
	// StateUnknown means the platform cannot (or did not) report a state.
	// Platforms that cannot distinguish Denied from undetermined report
	// Unknown rather than guessing Granted.
	StateUnknown State = iota

	// StateGranted means the OS reports the capability as authorized.
	StateGranted

	// StateDenied means the OS reports the capability as refused by the
	// user.
	StateDenied

	// StateNotDetermined means the user has never been asked; requesting
	// the capability would trigger the OS prompt.
	StateNotDetermined

	// StateRestricted means policy (parental controls, MDM) forbids the
	// capability; no prompt can grant it.
	StateRestricted
)

func (s State) String() string {
	switch s {
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateNotDetermined:
		return "not-determined"
	case StateRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// Prober answers capability questions for one platform.
type Prober interface {
	// ReportedState returns the OS-reported flag. Non-blocking, best-effort.
	ReportedState(cap Capability) State

	// CanActuallyCapture performs a functional probe: attempt a real capture
	// and verify non-empty data comes back. May block up to the ctx deadline.
	CanActuallyCapture(ctx context.Context, cap Capability) bool
}

// Transition is one edge-triggered permission change.
type Transition struct {
	Capability Capability
	From, To   State
}

// Granted reports whether this transition grants the capability.
func (t Transition) Granted() bool { return t.To == StateGranted }

// Revoked reports whether this transition takes a granted capability away.
func (t Transition) Revoked() bool { return t.From == StateGranted && t.To != StateGranted }

// revokeDebounce is how many consecutive polls must observe the loss of a
// granted capability before Revoked is emitted. Polling races against TCC
// database writes produce single-poll flaps that must not tear down capture.
const revokeDebounce = 2

// Config holds monitor settings.
type Config struct {
	// Interval between polls. Default: 1500ms.
	Interval time.Duration

	// Capabilities to watch. Default: microphone and system audio.
	Capabilities []Capability
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 1500 * time.Millisecond
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []Capability{CapMicrophone, CapSystemAudio}
	}
}

// Monitor polls a [Prober] and fans out [Transition] values to subscribers.
// All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	prober Prober

	mu      sync.Mutex
	last    map[Capability]State
	pending map[Capability]int // consecutive observations of a revocation
	subs    map[int]chan Transition
	nextID  int
}

// NewMonitor creates a Monitor polling the given prober.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		last:    make(map[Capability]State),
		pending: make(map[Capability]int),
		subs:    make(map[int]chan Transition),
	}
}

// Reported returns the current OS-reported state for cap.
func (m *Monitor) Reported(cap Capability) State {
	return m.prober.ReportedState(cap)
}

// CanActuallyCapture runs the functional probe for cap.
func (m *Monitor) CanActuallyCapture(ctx context.Context, cap Capability) bool {
	return m.prober.CanActuallyCapture(ctx, cap)
}

// Subscribe registers a transition consumer. The returned cancel func
// unregisters it and closes the channel.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, 16)
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Run polls until ctx is cancelled. The first poll primes the baseline
// without emitting: transitions are edges, not levels.
func (m *Monitor) Run(ctx context.Context) {
	m.poll(true)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(false)
		}
	}
}

// Poll performs a single observation cycle. Exposed for tests and for the
// startup path, which wants a primed baseline before the loop starts.
func (m *Monitor) Poll() { m.poll(false) }

func (m *Monitor) poll(prime bool) {
	for _, cap := range m.cfg.Capabilities {
		cur := m.prober.ReportedState(cap)

		m.mu.Lock()
		last, seen := m.last[cap]
		if prime || !seen {
			m.last[cap] = cur
			m.mu.Unlock()
			continue
		}
		if cur == last {
			m.pending[cap] = 0
			m.mu.Unlock()
			continue
		}

		if last == StateGranted && cur != StateGranted {
			// Leaving Granted is debounced against polling races.
			m.pending[cap]++
			if m.pending[cap] < revokeDebounce {
				m.mu.Unlock()
				continue
			}
		}
		m.pending[cap] = 0
		m.last[cap] = cur
		tr := Transition{Capability: cap, From: last, To: cur}
		subs := make([]chan Transition, 0, len(m.subs))
		for _, ch := range m.subs {
			subs = append(subs, ch)
		}
		m.mu.Unlock()

		slog.Info("permission transition",
			"capability", cap.String(),
			"from", last.String(),
			"to", cur.String(),
		)
		for _, ch := range subs {
			select {
			case ch <- tr:
			default:
			}
		}
	}
}

// AdapterProbe builds a functional probe on top of a capturer: start a short
// capture, read a handful of frames, and report whether any carried real
// signal. An all-zero result means the OS flag lies.
func AdapterProbe(c audio.Capturer) func(ctx context.Context, cap Capability) bool {
	return func(ctx context.Context, cap Capability) bool {
		kind := audio.Microphone
		if cap == CapSystemAudio {
			kind = audio.SystemAudio
		}

		stream, err := c.Start(ctx, kind)
		if err != nil {
			return false
		}
		defer func() { _ = stream.Stop() }()

		const probeFrames = 5
		for i := 0; i < probeFrames; i++ {
			select {
			case f, ok := <-stream.Frames():
				if !ok {
					return false
				}
				if audio.RMS(f.Data) > 0 {
					return true
				}
			case <-ctx.Done():
				return false
			}
		}
		return false
	}
}
