package codec

import (
	"context"
	"fmt"

	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

// Compile-time interface assertion.
var _ transport.PacketTransport = (*Transport)(nil)

// Transport wraps a [transport.PacketTransport], transcoding outgoing chunk
// frames into Opus packets before they reach the wire. Carries one encoder,
// so a Transport serves exactly one stream.
type Transport struct {
	inner transport.PacketTransport
	enc   *OpusEncoder
}

// NewTransport wraps inner with an Opus encoder for the given stream format.
func NewTransport(inner transport.PacketTransport, sampleRate, channels int) (*Transport, error) {
	enc, err := NewOpusEncoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &Transport{inner: inner, enc: enc}, nil
}

// Send decodes the chunk frame, Opus-encodes its samples, and forwards each
// resulting packet. Samples that do not fill a whole Opus frame stay buffered
// in the encoder until the next call.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	chunk, err := transport.DecodeFrame(frame)
	if err != nil {
		return fmt.Errorf("codec: decode frame: %w", err)
	}
	packets, err := t.enc.Encode(chunk.Samples)
	if err != nil {
		return fmt.Errorf("codec: encode: %w", err)
	}
	for _, p := range packets {
		if err := t.inner.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the wrapped transport.
func (t *Transport) Close() error { return t.inner.Close() }
