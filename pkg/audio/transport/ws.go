package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Compile-time interface assertion.
var _ PacketTransport = (*WSTransport)(nil)

// DefaultPacketLifetime bounds how long a single frame may wait on the wire
// before it is abandoned. Stale audio is worse than missing audio.
const DefaultPacketLifetime = 100 * time.Millisecond

// WSOption configures a [WSTransport] during construction.
type WSOption func(*WSTransport)

// WithPacketLifetime sets the per-send deadline. Frames that cannot be
// written within this window are dropped.
func WithPacketLifetime(d time.Duration) WSOption {
	return func(t *WSTransport) {
		if d > 0 {
			t.lifetime = d
		}
	}
}

// WSTransport sends chunk frames as binary WebSocket messages to a single
// peer. Every send carries its own short deadline so a congested connection
// sheds frames instead of backing up into the audio path.
//
// All methods are safe for concurrent use.
type WSTransport struct {
	conn     *websocket.Conn
	lifetime time.Duration

	mu     sync.Mutex
	closed bool
}

// DialWS connects to the peer at wsURL and returns a ready transport.
func DialWS(ctx context.Context, wsURL string, opts ...WSOption) (*WSTransport, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", wsURL, err)
	}
	return newWS(conn, opts...), nil
}

// NewWS wraps an already-accepted WebSocket connection (e.g. from a server
// handler) in a transport.
func NewWS(conn *websocket.Conn, opts ...WSOption) *WSTransport {
	return newWS(conn, opts...)
}

func newWS(conn *websocket.Conn, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		conn:     conn,
		lifetime: DefaultPacketLifetime,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send writes one frame as a binary message under the packet-lifetime
// deadline. Implements [PacketTransport].
func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport: closed")
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.lifetime)
	defer cancel()

	if err := t.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close(websocket.StatusNormalClosure, "transport closed")
}
