// Package transport forwards processed audio chunks over a best-effort,
// low-latency packet channel.
//
// Each chunk is serialized as a single self-describing binary frame — a fixed
// header (chunk id, timestamp, format, payload length) followed by the raw
// sample payload. Carrying metadata and payload in one packet means loss or
// reordering can never desynchronize the two: a consumer either gets a whole
// chunk or none of it.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
)

// Frame layout constants.
const (
	// frameMagic identifies a voicepipe chunk frame.
	frameMagic = "VPCH"

	// frameVersion is the current wire format version.
	frameVersion = 1

	// headerSize is the fixed header length in bytes:
	// magic(4) + version(1) + id(8) + timestamp(8) + rate(4) + channels(2) + payload len(4).
	headerSize = 4 + 1 + 8 + 8 + 4 + 2 + 4

	// MaxPayloadSamples bounds the payload so a corrupted length field
	// cannot trigger a huge allocation on decode.
	MaxPayloadSamples = 1 << 20
)

// Frame decode errors.
var (
	ErrFrameTooShort   = errors.New("transport: frame shorter than header")
	ErrBadMagic        = errors.New("transport: bad frame magic")
	ErrBadVersion      = errors.New("transport: unsupported frame version")
	ErrPayloadMismatch = errors.New("transport: payload length mismatch")
	ErrPayloadTooLarge = errors.New("transport: payload exceeds limit")
)

// EncodeFrame serializes chunk into a single wire frame. Samples are encoded
// as little-endian float32.
func EncodeFrame(chunk audio.Chunk) []byte {
	buf := make([]byte, headerSize+len(chunk.Samples)*4)

	copy(buf[0:4], frameMagic)
	buf[4] = frameVersion
	binary.LittleEndian.PutUint64(buf[5:13], chunk.ID)
	binary.LittleEndian.PutUint64(buf[13:21], uint64(chunk.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(buf[21:25], uint32(chunk.SampleRate))
	binary.LittleEndian.PutUint16(buf[25:27], uint16(chunk.Channels))
	binary.LittleEndian.PutUint32(buf[27:31], uint32(len(chunk.Samples)))

	for i, s := range chunk.Samples {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(s))
	}
	return buf
}

// DecodeFrame parses a wire frame produced by [EncodeFrame]. The chunk's
// Duration is derived from the payload length and sample rate.
func DecodeFrame(buf []byte) (audio.Chunk, error) {
	if len(buf) < headerSize {
		return audio.Chunk{}, ErrFrameTooShort
	}
	if string(buf[0:4]) != frameMagic {
		return audio.Chunk{}, ErrBadMagic
	}
	if buf[4] != frameVersion {
		return audio.Chunk{}, fmt.Errorf("%w: %d", ErrBadVersion, buf[4])
	}

	n := binary.LittleEndian.Uint32(buf[27:31])
	if n > MaxPayloadSamples {
		return audio.Chunk{}, fmt.Errorf("%w: %d samples", ErrPayloadTooLarge, n)
	}
	if len(buf) != headerSize+int(n)*4 {
		return audio.Chunk{}, fmt.Errorf("%w: header says %d samples, frame has %d bytes",
			ErrPayloadMismatch, n, len(buf))
	}

	chunk := audio.Chunk{
		ID:         binary.LittleEndian.Uint64(buf[5:13]),
		Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(buf[13:21]))),
		SampleRate: int(binary.LittleEndian.Uint32(buf[21:25])),
		Channels:   int(binary.LittleEndian.Uint16(buf[25:27])),
		Samples:    make([]float32, n),
	}
	for i := range chunk.Samples {
		chunk.Samples[i] = math.Float32frombits(
			binary.LittleEndian.Uint32(buf[headerSize+i*4:]),
		)
	}
	if chunk.SampleRate > 0 && chunk.Channels > 0 {
		samplesPerChannel := int(n) / chunk.Channels
		chunk.Duration = time.Duration(samplesPerChannel) * time.Second / time.Duration(chunk.SampleRate)
	}
	return chunk, nil
}
