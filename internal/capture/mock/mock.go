// Package mock provides scriptable test doubles for the capture layer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Stream is a controllable [audio.Stream]. Tests feed it with Push and Exit.
type Stream struct {
	frames chan audio.Frame
	exited chan audio.ExitStatus

	mu        sync.Mutex
	stopOnce  sync.Once
	StopCalls int
	StopErr   error
}

// Compile-time interface assertion.
var _ audio.Stream = (*Stream)(nil)

// NewStream returns an idle mock stream with buffered channels.
func NewStream() *Stream {
	return &Stream{
		frames: make(chan audio.Frame, 64),
		exited: make(chan audio.ExitStatus, 1),
	}
}

func (s *Stream) Frames() <-chan audio.Frame      { return s.frames }
func (s *Stream) Exited() <-chan audio.ExitStatus { return s.exited }

// Stop records the call and closes the frame channel exactly once.
func (s *Stream) Stop() error {
	s.mu.Lock()
	s.StopCalls++
	err := s.StopErr
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.frames) })
	return err
}

// Stopped reports how many times Stop was called.
func (s *Stream) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls
}

// Push delivers a frame to the consumer. It must not be called after Stop.
func (s *Stream) Push(f audio.Frame) { s.frames <- f }

// PushPCM is a convenience wrapper building a frame from raw samples.
func (s *Stream) PushPCM(pcm []byte, sourceID string) {
	s.Push(audio.NewFrame(pcm, sourceID, 16000, 1))
}

// Exit simulates the producer process dying with the given status.
func (s *Stream) Exit(status audio.ExitStatus) {
	s.exited <- status
	s.stopOnce.Do(func() { close(s.frames) })
}

// StartCall records one invocation of [Capturer.Start].
type StartCall struct {
	Kind audio.SourceKind
}

type startResult struct {
	stream *Stream
	err    error
}

// Capturer is a scriptable [audio.Capturer]. Enqueue outcomes per source
// kind; unscripted Start calls succeed with a fresh mock stream.
type Capturer struct {
	mu         sync.Mutex
	results    map[audio.SourceKind][]startResult
	StartCalls []StartCall

	// DevicesResult is returned by Devices verbatim.
	DevicesResult []audio.Device
}

// Compile-time interface assertion.
var _ audio.Capturer = (*Capturer)(nil)

// NewCapturer returns an empty scripted capturer.
func NewCapturer() *Capturer {
	return &Capturer{results: make(map[audio.SourceKind][]startResult)}
}

// EnqueueStream scripts the next Start for kind to succeed with s.
func (c *Capturer) EnqueueStream(kind audio.SourceKind, s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[kind] = append(c.results[kind], startResult{stream: s})
}

// EnqueueError scripts the next Start for kind to fail with err.
func (c *Capturer) EnqueueError(kind audio.SourceKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[kind] = append(c.results[kind], startResult{err: err})
}

// Start implements [audio.Capturer].
func (c *Capturer) Start(_ context.Context, kind audio.SourceKind) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls = append(c.StartCalls, StartCall{Kind: kind})

	queue := c.results[kind]
	if len(queue) == 0 {
		return NewStream(), nil
	}
	next := queue[0]
	c.results[kind] = queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.stream, nil
}

// Devices implements [audio.Capturer].
func (c *Capturer) Devices(_ context.Context) []audio.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DevicesResult
}

// Calls returns a copy of the recorded Start calls.
func (c *Capturer) Calls() []StartCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StartCall, len(c.StartCalls))
	copy(out, c.StartCalls)
	return out
}
