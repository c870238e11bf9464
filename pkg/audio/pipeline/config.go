package pipeline

import "github.com/wayfarerhq/voicepipe/pkg/audio"

// StreamingMode selects how the pipeline decides when to emit audio.
type StreamingMode string

const (
	// ModeContinuous streams every captured chunk.
	ModeContinuous StreamingMode = "continuous"

	// ModePushToTalk streams only while the caller holds the talk state.
	ModePushToTalk StreamingMode = "push_to_talk"

	// ModeVoiceActivated streams when the quality scorer detects voice
	// energy above the noise floor.
	ModeVoiceActivated StreamingMode = "voice_activated"
)

// IsValid reports whether m is a recognised streaming mode.
func (m StreamingMode) IsValid() bool {
	switch m {
	case ModeContinuous, ModePushToTalk, ModeVoiceActivated:
		return true
	}
	return false
}

// Config holds the capture and processing settings for a [Pipeline].
type Config struct {
	// SampleRate in Hz. Default 48000.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Default 1.
	Channels int

	// BitDepth of the capture request. The pipeline always processes
	// float32 internally; this only shapes the device acquisition hint.
	// Default 32.
	BitDepth int

	// BufferSize is the block size in samples handed to per-chunk
	// processing. Default 4096.
	BufferSize int

	// Latency is the capture latency hint. Default interactive.
	Latency audio.LatencyHint

	// EchoCancellation, NoiseSuppression, and AutoGain are advisory
	// capability hints forwarded to the capture device.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool

	// Mode selects the streaming trigger. Default continuous.
	Mode StreamingMode

	// Compression enables the in-place dynamic-range compressor.
	Compression bool

	// RealtimeProcessing runs the stage chain on every chunk. When false,
	// stages are skipped and chunks pass straight to delivery.
	RealtimeProcessing bool

	// MaxBufferedChunks bounds the input and output queues. When a queue is
	// full the oldest chunk is dropped and the lost-packet counter
	// incremented. Default 100.
	MaxBufferedChunks int
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BitDepth <= 0 {
		c.BitDepth = 32
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.Latency == "" {
		c.Latency = audio.LatencyInteractive
	}
	if c.Mode == "" {
		c.Mode = ModeContinuous
	}
	if c.MaxBufferedChunks <= 0 {
		c.MaxBufferedChunks = 100
	}
	return c
}
