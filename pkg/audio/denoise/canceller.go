// Package denoise implements a real-time spectral-subtraction noise
// canceller. It learns a per-frequency-bin noise profile from an initial
// ambient capture window and attenuates those bins in every subsequent frame
// using a Wiener-style gain, reconstructed with overlap-add to avoid blocking
// artifacts at frame boundaries.
//
// Until a profile exists the canceller passes audio through unmodified — a
// source that never produces ambient audio degrades to a no-op rather than to
// broken output.
package denoise

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/dsp"
)

// Compile-time interface assertion.
var _ audio.Stage = (*Canceller)(nil)

const (
	// DefaultFFTSize is the analysis frame length in samples.
	DefaultFFTSize = 2048

	// DefaultOverlapFactor divides the FFT size to obtain the hop size.
	DefaultOverlapFactor = 4

	// DefaultNoiseFloorMultiplier scales the learned noise estimate before
	// subtraction. Subtracting more than the raw estimate suppresses
	// residual noise between profile updates.
	DefaultNoiseFloorMultiplier = 2.0

	// DefaultMaxReductionDB caps per-bin attenuation below unity.
	DefaultMaxReductionDB = 20.0

	// DefaultSmoothing is the exponential gain-smoothing factor. Heavy
	// smoothing keeps the gain from pumping audibly between frames.
	DefaultSmoothing = 0.98

	// DefaultProfileDuration is the length of the ambient capture window
	// used to build the noise profile.
	DefaultProfileDuration = 2 * time.Second

	// gainFloor is the minimum Wiener gain before the dB clamp. Bins are
	// suppressed toward this floor instead of zero, which would produce
	// musical-noise artifacts.
	gainFloor = 0.1

	// profileRetryDelay is how long to wait before re-arming profiling when
	// the capture window elapsed without a single frame.
	profileRetryDelay = time.Second
)

// Option configures a [Canceller] during construction.
type Option func(*Canceller)

// WithFFTSize sets the analysis frame length. Must be a power of two; invalid
// values are ignored.
func WithFFTSize(n int) Option {
	return func(c *Canceller) {
		if n > 0 && n&(n-1) == 0 {
			c.fftSize = n
		}
	}
}

// WithOverlapFactor sets the FFT-size-to-hop divisor. Typical values are 2,
// 4, or 8; non-positive values are ignored.
func WithOverlapFactor(n int) Option {
	return func(c *Canceller) {
		if n > 0 {
			c.overlap = n
		}
	}
}

// WithNoiseFloorMultiplier scales the learned noise estimate before
// subtraction. Values above 1 subtract more aggressively.
func WithNoiseFloorMultiplier(m float64) Option {
	return func(c *Canceller) {
		if m > 0 {
			c.noiseFloorMultiplier = m
		}
	}
}

// WithMaxReduction sets the maximum per-bin attenuation in dB below unity.
func WithMaxReduction(db float64) Option {
	return func(c *Canceller) {
		if db > 0 {
			c.maxReductionDB = db
		}
	}
}

// WithSmoothing sets the exponential gain-smoothing factor in [0, 1). Higher
// values change the gain more slowly across frames.
func WithSmoothing(s float64) Option {
	return func(c *Canceller) {
		if s >= 0 && s < 1 {
			c.smoothing = s
		}
	}
}

// WithProfileDuration sets the length of the ambient capture window used to
// build the noise profile.
func WithProfileDuration(d time.Duration) Option {
	return func(c *Canceller) {
		if d > 0 {
			c.profileDuration = d
		}
	}
}

// WithLookahead delays synthesis by d so each frame is reconstructed with
// gains that have already seen the audio that follows it — a noise onset
// starts pulling the gain down before it reaches the output. Zero disables
// the delay. The configured duration is rounded up to whole hops.
func WithLookahead(d time.Duration) Option {
	return func(c *Canceller) {
		if d > 0 {
			c.lookahead = d
		}
	}
}

// Canceller removes stationary background noise from an audio stream using
// frame-wise spectral subtraction.
//
// The zero value is not usable; construct with [New]. A Canceller carries
// cross-frame state (rolling input, overlap tail, smoothed gains) and must be
// fed frames from a single goroutine in strict arrival order. [Start] wraps a
// Canceller in a goroutine that preserves this ordering for channel sources.
type Canceller struct {
	fftSize              int
	overlap              int
	hop                  int
	noiseFloorMultiplier float64
	maxReductionDB       float64
	minGain              float64
	smoothing            float64
	profileDuration      time.Duration
	lookahead            time.Duration

	window []float64

	mu sync.Mutex

	// Rolling frame state. input always holds the most recent fftSize
	// samples; pending accumulates source samples until a full hop exists.
	input   []float64
	pending []float32
	tail    []float64

	// Noise profile state. profile is nil until profiling completes.
	profile    []float64
	smoothed   []float64
	profMags   [][]float64
	profStart  time.Time
	needFrames int

	// Lookahead state. laHops is derived from the configured duration once
	// the sample rate is known; specQ holds the spectra awaiting synthesis.
	laHops int
	specQ  []spectrum

	// FFT scratch buffers, reused every frame.
	re, im []float64
}

// New creates a Canceller with the supplied options. Profiling is armed
// immediately: the first ~2 seconds of audio are treated as ambient noise.
func New(opts ...Option) *Canceller {
	c := &Canceller{
		fftSize:              DefaultFFTSize,
		overlap:              DefaultOverlapFactor,
		noiseFloorMultiplier: DefaultNoiseFloorMultiplier,
		maxReductionDB:       DefaultMaxReductionDB,
		smoothing:            DefaultSmoothing,
		profileDuration:      DefaultProfileDuration,
	}
	for _, o := range opts {
		o(c)
	}

	// Overlap-add needs at least half a frame of retained tail.
	if c.overlap < 2 {
		c.overlap = DefaultOverlapFactor
	}
	c.hop = c.fftSize / c.overlap
	c.minGain = math.Pow(10, -c.maxReductionDB/20)
	c.window = dsp.HannWindow(c.fftSize)
	c.input = make([]float64, c.fftSize)
	c.tail = make([]float64, c.fftSize-c.hop)
	c.smoothed = make([]float64, c.fftSize/2)
	for i := range c.smoothed {
		c.smoothed[i] = 1
	}
	c.re = make([]float64, c.fftSize)
	c.im = make([]float64, c.fftSize)
	c.profStart = time.Now()
	return c
}

// Name implements [audio.Stage].
func (c *Canceller) Name() string { return "denoise" }

// Hop returns the hop size in samples — the granularity at which the
// canceller consumes and emits audio.
func (c *Canceller) Hop() int { return c.hop }

// NoiseProfileReady reports whether a noise profile has been built and
// spectral subtraction is active.
func (c *Canceller) NoiseProfileReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile != nil
}

// ForceNoiseProfileUpdate discards the current noise profile and re-arms the
// ambient capture window. Audio passes through unmodified until the new
// profile is built.
func (c *Canceller) ForceNoiseProfileUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.profile = nil
	c.profMags = nil
	c.profStart = time.Now()
	c.needFrames = 0
	c.specQ = nil
	for i := range c.smoothed {
		c.smoothed[i] = 1
	}
	slog.Info("denoise: noise profile reset, re-profiling")
}

// Process implements [audio.Stage]. Incoming samples are buffered until a
// full hop is available; the returned chunk carries zero or more processed
// hops. A chunk with no samples means the canceller is still accumulating —
// callers should skip it rather than treat it as silence.
func (c *Canceller) Process(chunk audio.Chunk) (audio.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, chunk.Samples...)
	if c.needFrames == 0 && chunk.SampleRate > 0 {
		frames := c.profileDuration.Seconds() * float64(chunk.SampleRate) / float64(c.hop)
		c.needFrames = int(math.Ceil(frames))
	}
	if c.laHops == 0 && c.lookahead > 0 && chunk.SampleRate > 0 {
		hops := c.lookahead.Seconds() * float64(chunk.SampleRate) / float64(c.hop)
		c.laHops = int(math.Ceil(hops))
	}

	var out []float32
	for len(c.pending) >= c.hop {
		hop := c.pending[:c.hop]
		out = append(out, c.processHopLocked(hop)...)
		c.pending = c.pending[c.hop:]
	}
	return chunk.WithSamples(out), nil
}

// Start attaches the canceller to a push-based chunk source and returns the
// cleaned output stream. Processing runs on a single goroutine so frames stay
// in strict arrival order; the output channel is closed when the source
// closes or ctx is cancelled.
//
// A profiling watchdog retries the ambient capture window when the source
// produced no data, so a stalled source degrades to pass-through instead of
// failing.
func (c *Canceller) Start(ctx context.Context, in <-chan audio.Chunk) <-chan audio.Chunk {
	out := make(chan audio.Chunk, cap(in))

	c.mu.Lock()
	c.profStart = time.Now()
	c.mu.Unlock()

	go func() {
		defer close(out)
		retry := time.NewTicker(profileRetryDelay)
		defer retry.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-retry.C:
				c.maybeRetryProfiling()
			case chunk, ok := <-in:
				if !ok {
					return
				}
				processed, err := c.Process(chunk)
				if err != nil {
					slog.Warn("denoise: frame fault, dropping", "chunk_id", chunk.ID, "error", err)
					continue
				}
				if len(processed.Samples) == 0 {
					continue
				}
				select {
				case out <- processed:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// maybeRetryProfiling re-arms the capture window when it elapsed without
// collecting a single frame. Collecting any data at all means frames are
// flowing and the profile will complete on its own.
func (c *Canceller) maybeRetryProfiling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.profile != nil || len(c.profMags) > 0 {
		return
	}
	if time.Since(c.profStart) < c.profileDuration {
		return
	}
	slog.Warn("denoise: no audio captured during profiling window, retrying")
	c.profStart = time.Now()
}

// processHopLocked consumes one hop of new samples and produces one hop of
// output. Must be called with c.mu held.
func (c *Canceller) processHopLocked(hop []float32) []float32 {
	// Roll the input buffer: shift out the oldest hop, append the newest.
	copy(c.input, c.input[c.hop:])
	base := c.fftSize - c.hop
	for i, s := range hop {
		c.input[base+i] = float64(s)
	}

	var frame []float64
	if c.profile != nil {
		frame = c.subtractLocked()
	} else {
		frame = make([]float64, c.fftSize)
		copy(frame, c.input)
		c.collectProfileLocked()
	}

	// Overlap-add: the emitted hop is the head of this frame plus the
	// retained tail of the previous one.
	out := make([]float32, c.hop)
	for i := 0; i < c.hop; i++ {
		out[i] = float32(frame[i] + c.tail[i])
	}
	copy(c.tail, frame[c.hop:])
	return out
}

// spectrum is one frame's FFT output awaiting lookahead synthesis.
type spectrum struct {
	re, im []float64
}

// subtractLocked runs spectral subtraction over the current input buffer and
// returns the synthesis-windowed time-domain frame. With lookahead enabled,
// the gain state advances on every frame but synthesis lags laHops frames
// behind: the returned frame is silence until the queue fills, then the
// oldest queued spectrum reconstructed with gains that have already seen the
// frames after it. Must be called with c.mu held and a non-nil profile.
func (c *Canceller) subtractLocked() []float64 {
	half := c.fftSize / 2

	for i := range c.input {
		c.re[i] = c.input[i] * c.window[i]
		c.im[i] = 0
	}
	if err := dsp.FFT(c.re, c.im); err != nil {
		// Buffer sizes are fixed at construction; this cannot happen.
		frame := make([]float64, c.fftSize)
		copy(frame, c.input)
		return frame
	}

	for bin := 0; bin < half; bin++ {
		mag := math.Hypot(c.re[bin], c.im[bin])

		gain := 1.0
		noiseLevel := c.profile[bin] * c.noiseFloorMultiplier
		if noiseLevel > 0 {
			snr := mag / noiseLevel
			gain = (snr - 1) / snr
			if gain < gainFloor {
				gain = gainFloor
			}
		}
		if gain < c.minGain {
			gain = c.minGain
		}

		// Temporal smoothing keeps the gain from changing abruptly
		// between consecutive frames.
		c.smoothed[bin] = c.smoothed[bin]*c.smoothing + gain*(1-c.smoothing)
	}

	if c.laHops > 0 {
		re := make([]float64, c.fftSize)
		im := make([]float64, c.fftSize)
		copy(re, c.re)
		copy(im, c.im)
		c.specQ = append(c.specQ, spectrum{re: re, im: im})
		if len(c.specQ) <= c.laHops {
			return make([]float64, c.fftSize)
		}
		oldest := c.specQ[0]
		c.specQ = c.specQ[1:]
		copy(c.re, oldest.re)
		copy(c.im, oldest.im)
	}

	return c.synthesizeLocked()
}

// synthesizeLocked applies the current smoothed gains to the spectrum in the
// scratch buffers and inverts it back to a windowed time-domain frame. Must
// be called with c.mu held.
func (c *Canceller) synthesizeLocked() []float64 {
	half := c.fftSize / 2

	for bin := 0; bin < half; bin++ {
		mag := math.Hypot(c.re[bin], c.im[bin])
		phase := math.Atan2(c.im[bin], c.re[bin])

		newMag := mag * c.smoothed[bin]
		c.re[bin] = newMag * math.Cos(phase)
		c.im[bin] = newMag * math.Sin(phase)
	}

	// Mirror the processed half into the conjugate-symmetric upper half so
	// the inverse transform yields a real signal.
	for bin := 1; bin < half; bin++ {
		c.re[c.fftSize-bin] = c.re[bin]
		c.im[c.fftSize-bin] = -c.im[bin]
	}

	if err := dsp.IFFT(c.re, c.im); err != nil {
		frame := make([]float64, c.fftSize)
		copy(frame, c.input)
		return frame
	}

	frame := make([]float64, c.fftSize)
	for i := range frame {
		frame[i] = c.re[i] * c.window[i]
	}
	return frame
}

// collectProfileLocked records the current frame's spectrum during the
// ambient capture window and builds the profile once enough frames exist.
// Must be called with c.mu held.
func (c *Canceller) collectProfileLocked() {
	half := c.fftSize / 2

	for i := range c.input {
		c.re[i] = c.input[i] * c.window[i]
		c.im[i] = 0
	}
	if err := dsp.FFT(c.re, c.im); err != nil {
		return
	}

	mags := make([]float64, half)
	for bin := 0; bin < half; bin++ {
		mags[bin] = math.Hypot(c.re[bin], c.im[bin])
	}
	c.profMags = append(c.profMags, mags)

	if c.needFrames == 0 || len(c.profMags) < c.needFrames {
		return
	}

	profile := make([]float64, half)
	for _, m := range c.profMags {
		for bin, v := range m {
			profile[bin] += v
		}
	}
	n := float64(len(c.profMags))
	for bin := range profile {
		profile[bin] /= n
	}

	c.profile = profile
	c.profMags = nil
	slog.Info("denoise: noise profile built",
		"frames", int(n),
		"bins", half,
	)
}
