package transport

import "context"

// PacketTransport is a best-effort, unordered packet channel for forwarding
// encoded chunk frames to a peer. Delivery is not guaranteed; senders must
// tolerate loss and never block the audio path waiting on the network.
//
// Implementations must be safe for concurrent use.
type PacketTransport interface {
	// Send transmits one frame. A failed send is a local, recoverable
	// fault — the caller logs it and moves on; the chunk is still delivered
	// through the normal callback path.
	Send(ctx context.Context, frame []byte) error

	// Close tears down the channel. Safe to call more than once.
	Close() error
}
