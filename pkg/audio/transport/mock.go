package transport

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ PacketTransport = (*ChannelTransport)(nil)

// ChannelTransport is an in-memory [PacketTransport] used in tests and as a
// loopback peer. Frames that do not fit the buffer are dropped, mirroring the
// best-effort semantics of the real wire.
type ChannelTransport struct {
	frames chan []byte

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewChannelTransport creates a loopback transport buffering up to n frames.
func NewChannelTransport(n int) *ChannelTransport {
	if n <= 0 {
		n = 16
	}
	return &ChannelTransport{frames: make(chan []byte, n)}
}

// Frames returns the channel delivering sent frames.
func (t *ChannelTransport) Frames() <-chan []byte { return t.frames }

// Dropped reports how many frames were discarded because the buffer was full.
func (t *ChannelTransport) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Send implements [PacketTransport]. The frame is copied so the caller may
// reuse its buffer.
func (t *ChannelTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case t.frames <- cp:
	default:
		t.dropped++
	}
	return nil
}

// Close implements [PacketTransport]. Safe to call more than once.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}
