// Package events defines the typed outbound event surface of the capture
// pipeline and a small multi-consumer bus for delivering it.
//
// Components publish [Event] values describing state changes (session
// transitions, recorded chunks, completed transcriptions, detected
// questions, fallbacks, conflicts, errors); presentation layers subscribe
// and render without re-deriving pipeline state. Events are ordered per
// publisher; no cross-source ordering is guaranteed.
package events

import (
	"sync"
	"time"
)

// Kind tags the variant carried by an [Event].
type Kind int

const (
	// KindSessionStateChanged reports a capture session transition.
	KindSessionStateChanged Kind = iota

	// KindChunkRecorded reports that the chunker emitted an utterance chunk.
	KindChunkRecorded

	// KindTranscriptionCompleted reports a finished transcription.
	KindTranscriptionCompleted

	// KindQuestionDetected reports a validated, deduplicated question.
	KindQuestionDetected

	// KindSourceFallbackActivated reports a switch to the fallback source.
	KindSourceFallbackActivated

	// KindSourceRestored reports that a pending source became available and
	// was restored as the active session.
	KindSourceRestored

	// KindConflictResolved reports terminated duplicate capture processes.
	KindConflictResolved

	// KindPermissionChanged reports a capability grant or revocation.
	KindPermissionChanged

	// KindError reports a recoverable pipeline error.
	KindError
)

// String returns the wire name of the kind, used in the event feed and logs.
func (k Kind) String() string {
	switch k {
	case KindSessionStateChanged:
		return "session_state_changed"
	case KindChunkRecorded:
		return "chunk_recorded"
	case KindTranscriptionCompleted:
		return "transcription_completed"
	case KindQuestionDetected:
		return "question_detected"
	case KindSourceFallbackActivated:
		return "source_fallback_activated"
	case KindSourceRestored:
		return "source_restored"
	case KindConflictResolved:
		return "conflict_resolved"
	case KindPermissionChanged:
		return "permission_changed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one outbound pipeline event. Payload holds the kind-specific
// value (one of the payload structs below, or a component-specific type such
// as a detected question). Consumers switch on Kind.
type Event struct {
	// Kind selects the variant.
	Kind Kind

	// Time is when the event was published.
	Time time.Time

	// Source identifies the originating capture source, when applicable
	// (e.g. "microphone", "system-audio"). Empty for global events.
	Source string

	// Payload carries the kind-specific data.
	Payload any
}

// SessionChange is the payload of [KindSessionStateChanged].
type SessionChange struct {
	// From and To are session state names (e.g. "starting", "active").
	From string
	To   string

	// Active is the source kind actually capturing for this session, which
	// differs from the event's Source while a fallback is in effect.
	Active string

	// Reason explains failure transitions. Empty otherwise.
	Reason string
}

// ChunkInfo is the payload of [KindChunkRecorded].
type ChunkInfo struct {
	ChunkID       string
	Duration      time.Duration
	WordCountHint int
}

// TranscriptInfo is the payload of [KindTranscriptionCompleted].
type TranscriptInfo struct {
	ChunkID    string
	Text       string
	Confidence float64
}

// FallbackInfo is the payload of [KindSourceFallbackActivated] and
// [KindSourceRestored].
type FallbackInfo struct {
	// Requested is the originally requested source kind name.
	Requested string

	// Active is the source kind now actually capturing.
	Active string

	// Reason explains why the fallback happened. Empty on restore.
	Reason string
}

// PermissionChange is the payload of [KindPermissionChanged].
type PermissionChange struct {
	Capability string
	State      string
	Granted    bool
}

// ErrorInfo is the payload of [KindError].
type ErrorInfo struct {
	// Op names the failed operation (e.g. "start-capture").
	Op string

	// Message is a human-readable description.
	Message string

	// Recoverable reports whether the pipeline continued on a degraded path.
	Recoverable bool
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

// subscriberBuffer is the per-subscriber channel capacity. When a subscriber
// falls behind, the oldest buffered event is dropped in favour of the newest
// so that slow consumers observe fresh state rather than stale history.
const subscriberBuffer = 128

// Bus is a multi-consumer event fan-out. Publish never blocks; each
// subscriber has its own buffered channel with drop-oldest overflow.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
	closed  bool
}

// NewBus returns a ready-to-use [Bus].
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new consumer. The returned cancel func unregisters
// it and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish stamps the event with the current time (when unset) and delivers
// it to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-ch:
				b.dropped++
			default:
			}
			select {
			case ch <- ev:
			default:
				b.dropped++
			}
		}
	}
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close unregisters all subscribers and closes their channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
