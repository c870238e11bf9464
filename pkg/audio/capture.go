package audio

import "context"

// LatencyHint expresses how the capture device should trade buffering for
// responsiveness. Hosts that do not support a hint fall back to their default.
type LatencyHint string

const (
	LatencyInteractive LatencyHint = "interactive"
	LatencyBalanced    LatencyHint = "balanced"
	LatencyPlayback    LatencyHint = "playback"
)

// CaptureHints are advisory capability requests passed to a capture device.
// Devices apply what they support and silently ignore the rest — callers must
// not assume any hint took effect.
type CaptureHints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
	Latency          LatencyHint
}

// CaptureStream is an open microphone-like stream. Frames are pushed by the
// device; the channel is closed when the stream ends or Close is called.
type CaptureStream interface {
	// Frames returns the channel delivering captured chunks in arrival order.
	Frames() <-chan Chunk

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// CaptureDevice is the entry point for an audio input provider (a hardware
// microphone wrapper, a network ingest, a test fixture). Implementations must
// be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the device in the given format. The supplied ctx governs
	// the lifetime of the acquisition attempt only; once open, the stream
	// remains alive until [CaptureStream.Close] is called.
	//
	// Returns an error if the device is unavailable or access is denied.
	Open(ctx context.Context, format Format, hints CaptureHints) (CaptureStream, error)
}
