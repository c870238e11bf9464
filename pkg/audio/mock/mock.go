// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream], and [transport.PacketTransport]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	device := &mock.Device{OpenResult: stream}
//	p := pipeline.New(device, pipeline.Config{})
//	_ = p.Initialize(ctx)
//	stream.Push(chunk)
package mock

import (
	"context"
	"sync"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Tests feed it
// with [Stream.Push] and close it with Close or [Stream.Finish].
type Stream struct {
	mu sync.Mutex

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan audio.Chunk
	closed bool
}

// NewStream creates a Stream whose frame channel holds up to buffer chunks.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.Chunk, buffer)}
}

// Push delivers one chunk to the stream's consumer. It blocks if the frame
// channel is full and panics if the stream was closed, like a send on a
// closed channel would.
func (s *Stream) Push(chunk audio.Chunk) {
	s.frames <- chunk
}

// Finish closes the frame channel without counting as a consumer Close call.
// Use it to simulate the capture source ending on its own.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Frames implements [audio.CaptureStream].
func (s *Stream) Frames() <-chan audio.Chunk {
	return s.frames
}

// Close implements [audio.CaptureStream]. Idempotent; returns CloseError.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Device.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
	// Hints is the hints argument passed to Open.
	Hints audio.CaptureHints
}

// Device is a mock implementation of [audio.CaptureDevice].
// Set the exported Result fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// OpenResult is the [audio.CaptureStream] returned by Open.
	OpenResult audio.CaptureStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.CaptureDevice]. Records the call and returns
// OpenResult / OpenError.
func (d *Device) Open(_ context.Context, format audio.Format, hints audio.CaptureHints) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, Hints: hints})
	return d.OpenResult, d.OpenError
}
