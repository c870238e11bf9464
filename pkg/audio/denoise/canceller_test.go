package denoise_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/denoise"
)

const sampleRate = 16000

// makeChunk wraps samples in a chunk at the test sample rate.
func makeChunk(id uint64, samples []float32) audio.Chunk {
	return audio.Chunk{
		ID:         id,
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   1,
		Timestamp:  time.Now(),
	}
}

// noiseHop returns a deterministic pseudo-noise hop. The same seed always
// yields the same samples, so repeating it produces a stationary spectrum.
func noiseHop(n int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0xbeef))
	hop := make([]float32, n)
	for i := range hop {
		hop[i] = float32(rng.Float64()*0.2 - 0.1)
	}
	return hop
}

// feedHops pushes count copies of hop through c and returns the concatenated
// output samples.
func feedHops(t *testing.T, c *denoise.Canceller, hop []float32, count int) []float32 {
	t.Helper()

	var out []float32
	for i := 0; i < count; i++ {
		processed, err := c.Process(makeChunk(uint64(i), hop))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		out = append(out, processed.Samples...)
	}
	return out
}

func TestPassThroughBeforeProfiling(t *testing.T) {
	t.Parallel()

	const fftSize = 256
	c := denoise.New(
		denoise.WithFFTSize(fftSize),
		denoise.WithOverlapFactor(4),
		// Long window: the profile will not complete during this test.
		denoise.WithProfileDuration(time.Hour),
	)
	hop := c.Hop()

	in := noiseHop(hop, 42)
	got := feedHops(t, c, in, 8)

	// Reference: the same rolling-buffer + overlap-add reconstruction with
	// no suppression applied.
	input := make([]float64, fftSize)
	tail := make([]float64, fftSize-hop)
	var want []float32
	for i := 0; i < 8; i++ {
		copy(input, input[hop:])
		for j, s := range in {
			input[fftSize-hop+j] = float64(s)
		}
		frame := make([]float64, fftSize)
		copy(frame, input)
		for j := 0; j < hop; j++ {
			want = append(want, float32(frame[j]+tail[j]))
		}
		copy(tail, frame[hop:])
	}

	if len(got) != len(want) {
		t.Fatalf("output length = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("sample %d = %g, want %g", i, got[i], want[i])
		}
	}
	if c.NoiseProfileReady() {
		t.Error("noise profile should not be ready")
	}
}

func TestGainFloorRespected(t *testing.T) {
	t.Parallel()

	const (
		fftSize        = 256
		maxReductionDB = 20.0
	)
	minGain := math.Pow(10, -maxReductionDB/20)

	newCanceller := func() *denoise.Canceller {
		return denoise.New(
			denoise.WithFFTSize(fftSize),
			denoise.WithOverlapFactor(4),
			denoise.WithMaxReduction(maxReductionDB),
			// No temporal smoothing: the gain reacts immediately, so the
			// floor is observable within a few frames.
			denoise.WithSmoothing(0),
			// Profile from a handful of hops rather than 2 s of audio.
			denoise.WithProfileDuration(
				time.Duration(float64(time.Second)*float64(fftSize)/sampleRate),
			),
		)
	}

	hop := newCanceller().Hop()
	noise := noiseHop(hop, 99)
	silence := make([]float32, hop)
	const warm, steady = 64, 16

	// Suppressing canceller: profiled on the same stationary noise it then
	// keeps receiving, so every bin sits exactly at the noise estimate.
	sup := newCanceller()
	feedHops(t, sup, noise, warm)
	if !sup.NoiseProfileReady() {
		t.Fatal("noise profile not ready after warmup")
	}
	supOut := feedHops(t, sup, noise, steady)

	// Reference canceller: profiled on silence, so its noise estimate is
	// zero and the gain stays at unity through the identical signal path.
	ref := newCanceller()
	feedHops(t, ref, silence, warm)
	if !ref.NoiseProfileReady() {
		t.Fatal("reference profile not ready after warmup")
	}
	refOut := feedHops(t, ref, noise, steady)

	if len(supOut) != len(refOut) {
		t.Fatalf("output lengths differ: %d vs %d", len(supOut), len(refOut))
	}

	// Skip the first frames of the steady window while the rolling buffers
	// converge, then check no sample was pushed below the gain floor.
	var supEnergy, refEnergy float64
	for i := 4 * hop; i < len(supOut); i++ {
		s, r := float64(supOut[i]), float64(refOut[i])
		if math.Abs(s) < minGain*math.Abs(r)-1e-6 {
			t.Fatalf("sample %d suppressed below floor: |%g| < %g*|%g|", i, s, minGain, r)
		}
		supEnergy += s * s
		refEnergy += r * r
	}
	if refEnergy == 0 {
		t.Fatal("reference output is silent")
	}
	// Suppression did happen: matching noise should sit near the floor.
	ratio := math.Sqrt(supEnergy / refEnergy)
	if ratio > 0.5 {
		t.Errorf("suppression ratio = %g, want well below 0.5", ratio)
	}
}

func TestLookaheadPreservesAlignmentAndSuppresses(t *testing.T) {
	t.Parallel()

	const fftSize = 256
	newCanceller := func(lookahead time.Duration) *denoise.Canceller {
		return denoise.New(
			denoise.WithFFTSize(fftSize),
			denoise.WithOverlapFactor(4),
			denoise.WithSmoothing(0),
			denoise.WithProfileDuration(
				time.Duration(float64(time.Second)*float64(fftSize)/sampleRate),
			),
			denoise.WithLookahead(lookahead),
		)
	}

	c := newCanceller(10 * time.Millisecond)
	hop := c.Hop()
	noise := noiseHop(hop, 31)
	const warm, steady = 64, 32

	feedHops(t, c, noise, warm)
	if !c.NoiseProfileReady() {
		t.Fatal("noise profile not ready after warmup")
	}

	// Every input hop still yields exactly one output hop: the lookahead
	// queue fills with silence, it never swallows samples.
	out := feedHops(t, c, noise, steady)
	if len(out) != steady*hop {
		t.Fatalf("output samples = %d, want %d", len(out), steady*hop)
	}

	// Suppression still works through the delayed synthesis path.
	var inEnergy, outEnergy float64
	for i := 8 * hop; i < len(out); i++ {
		inEnergy += float64(noise[i%hop]) * float64(noise[i%hop])
		outEnergy += float64(out[i]) * float64(out[i])
	}
	if inEnergy == 0 {
		t.Fatal("input is silent")
	}
	if ratio := math.Sqrt(outEnergy / inEnergy); ratio > 0.5 {
		t.Errorf("suppression ratio = %g, want well below 0.5", ratio)
	}
}

func TestForceNoiseProfileUpdate(t *testing.T) {
	t.Parallel()

	const fftSize = 256
	c := denoise.New(
		denoise.WithFFTSize(fftSize),
		denoise.WithProfileDuration(
			time.Duration(float64(time.Second)*float64(fftSize)/sampleRate),
		),
	)
	hop := c.Hop()

	feedHops(t, c, noiseHop(hop, 7), 64)
	if !c.NoiseProfileReady() {
		t.Fatal("profile not built")
	}

	c.ForceNoiseProfileUpdate()
	if c.NoiseProfileReady() {
		t.Error("profile should be discarded after forced update")
	}

	feedHops(t, c, noiseHop(hop, 7), 64)
	if !c.NoiseProfileReady() {
		t.Error("profile not rebuilt after forced update")
	}
}

func TestStartPreservesOrderAndCloses(t *testing.T) {
	t.Parallel()

	c := denoise.New(
		denoise.WithFFTSize(256),
		denoise.WithProfileDuration(time.Hour),
	)
	hop := c.Hop()

	in := make(chan audio.Chunk, 8)
	out := c.Start(context.Background(), in)

	for i := 0; i < 4; i++ {
		in <- makeChunk(uint64(i), noiseHop(hop, uint64(i)))
	}
	close(in)

	var total int
	var lastID uint64
	for chunk := range out {
		if chunk.ID < lastID {
			t.Errorf("chunk %d delivered after %d", chunk.ID, lastID)
		}
		lastID = chunk.ID
		total += len(chunk.Samples)
	}
	if total != 4*hop {
		t.Errorf("total output samples = %d, want %d", total, 4*hop)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	c := denoise.New(denoise.WithFFTSize(256))
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan audio.Chunk)
	out := c.Start(ctx, in)

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Error("output channel not closed after cancel")
	}
}
