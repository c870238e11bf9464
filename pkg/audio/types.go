package audio

import "time"

// Chunk is the atomic unit of audio flowing through the pipeline: a buffer of
// 32-bit float PCM samples captured at a single instant, plus enough metadata
// to reason about latency downstream.
//
// Chunks are immutable after creation — a processing stage that changes the
// samples must produce a new Chunk (see [Chunk.WithSamples]). The stage that
// produced a chunk owns it exclusively until it is handed to the next stage
// or callback.
type Chunk struct {
	// ID is a monotonically increasing sequence number assigned by the
	// pipeline when the chunk is captured.
	ID uint64

	// Samples holds interleaved float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for capture, 16000 for STT handoff).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this chunk was captured.
	Timestamp time.Time

	// Duration is the wall-clock length of the audio in this chunk.
	Duration time.Duration

	// Meta carries free-form per-chunk annotations (buffer size, measured
	// processing latency, …). May be nil.
	Meta map[string]any
}

// WithSamples returns a copy of c carrying the given samples. Metadata is
// shallow-copied so the new chunk can be annotated without mutating c.
func (c Chunk) WithSamples(samples []float32) Chunk {
	out := c
	out.Samples = samples
	if c.Meta != nil {
		out.Meta = make(map[string]any, len(c.Meta))
		for k, v := range c.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Stage is a single processing step in the pipeline's chain. Implementations
// receive a chunk and return a new chunk (never the mutated input).
//
// Stages are invoked sequentially from the pipeline's processing goroutine;
// they do not need to be safe for concurrent use unless shared across
// pipelines.
type Stage interface {
	// Name identifies the stage in logs and chunk metadata.
	Name() string

	// Process transforms one chunk. Returning an error drops the chunk and
	// logs the fault; the stream continues.
	Process(chunk Chunk) (Chunk, error)
}
