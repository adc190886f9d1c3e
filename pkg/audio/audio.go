// Package audio defines the core types for audio capture and transport in
// Earshot.
//
// The atomic unit is the [Frame]: an independently-owned buffer of PCM
// samples tagged with its source identity and capture time. Frames are
// accumulated by the chunker into [Chunk] values, which are the unit of
// transcription.
//
// The two capture abstractions are:
//
//   - [Capturer] — starts capture for a [SourceKind] and returns a [Stream].
//   - [Stream] — an active capture delivering frames until stopped.
//
// Implementations are provided by adapter packages (internal/capture wraps
// the native capture subprocess). The interfaces are intentionally narrow so
// the orchestrator stays decoupled from how frames are produced.
package audio

import "context"

// SourceKind identifies the logical origin of a capture stream.
type SourceKind int

const (
	// Microphone is the default input device.
	Microphone SourceKind = iota

	// SystemAudio is the loopback capture of system output (e.g. the remote
	// side of a call).
	SystemAudio
)

// String returns the canonical name of the source kind.
func (k SourceKind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case SystemAudio:
		return "system-audio"
	default:
		return "unknown"
	}
}

// ParseSourceKind converts a canonical name back into a [SourceKind].
// The boolean result reports whether the name was recognised.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch s {
	case "microphone", "mic":
		return Microphone, true
	case "system-audio", "system":
		return SystemAudio, true
	}
	return Microphone, false
}

// Device describes an enumerable capture origin and its current availability.
// Devices are snapshots; re-enumerate to refresh availability.
type Device struct {
	// ID is a stable identifier for the device.
	ID string

	// Kind is the logical source kind this device serves.
	Kind SourceKind

	// Available reports whether the device can currently be captured.
	Available bool

	// Reason explains unavailability. Empty when Available is true.
	Reason string
}

// ExitStatus describes the termination of a capture producer. A zero exit
// code with an empty signal is a clean stop; anything else is a failure the
// orchestrator must react to.
type ExitStatus struct {
	// Code is the producer's exit code. -1 when the process was signalled.
	Code int

	// Signal is the terminating signal name, if any (e.g. "killed").
	Signal string
}

// Clean reports whether the producer terminated without error.
func (e ExitStatus) Clean() bool {
	return e.Code == 0 && e.Signal == ""
}

// Stream is an active capture for one source. Frames are delivered in
// arrival order on the Frames channel, which is closed when the stream ends
// for any reason. The Exited channel delivers at most one [ExitStatus] when
// the underlying producer terminates.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the read-only frame channel. Every frame's Data is an
	// independent allocation — mutating producer internals after delivery
	// must not change frames already received.
	Frames() <-chan Frame

	// Exited delivers the producer's termination status. The channel is
	// buffered and receives at most one value; it is never closed on Stop,
	// only on producer exit.
	Exited() <-chan ExitStatus

	// Stop terminates the capture and releases the producer. Stopping an
	// already-stopped stream is a no-op and returns nil.
	Stop() error
}

// Capturer starts capture streams. At most one live [Stream] per
// [SourceKind] may exist at a time; a second Start for the same kind fails.
//
// Implementations must be safe for concurrent use.
type Capturer interface {
	// Start begins capturing the given source kind. The ctx governs only the
	// startup phase (spawn + first frame); a started Stream lives until Stop.
	Start(ctx context.Context, kind SourceKind) (Stream, error)

	// Devices enumerates the capture origins this capturer knows about,
	// including currently unavailable ones.
	Devices(ctx context.Context) []Device
}
