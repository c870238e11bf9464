package dsp_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/wayfarerhq/voicepipe/pkg/audio/dsp"
)

const tolerance = 1e-9

// roundTrip runs FFT then IFFT and returns the maximum absolute deviation
// from the original signal.
func roundTrip(t *testing.T, signal []float64) float64 {
	t.Helper()

	re := make([]float64, len(signal))
	im := make([]float64, len(signal))
	copy(re, signal)

	if err := dsp.FFT(re, im); err != nil {
		t.Fatalf("FFT: %v", err)
	}
	if err := dsp.IFFT(re, im); err != nil {
		t.Fatalf("IFFT: %v", err)
	}

	var maxErr float64
	for i := range signal {
		if d := math.Abs(re[i] - signal[i]); d > maxErr {
			maxErr = d
		}
		if d := math.Abs(im[i]); d > maxErr {
			maxErr = d
		}
	}
	return maxErr
}

func TestRoundTripImpulse(t *testing.T) {
	t.Parallel()

	signal := make([]float64, 1024)
	signal[0] = 1
	if maxErr := roundTrip(t, signal); maxErr > tolerance {
		t.Errorf("impulse round-trip error = %g, want <= %g", maxErr, tolerance)
	}
}

func TestRoundTripZeros(t *testing.T) {
	t.Parallel()

	signal := make([]float64, 512)
	if maxErr := roundTrip(t, signal); maxErr > tolerance {
		t.Errorf("zero round-trip error = %g, want <= %g", maxErr, tolerance)
	}
}

func TestRoundTripRandom(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 13))
	for _, n := range []int{64, 256, 2048} {
		signal := make([]float64, n)
		for i := range signal {
			signal[i] = rng.Float64()*2 - 1
		}
		if maxErr := roundTrip(t, signal); maxErr > tolerance {
			t.Errorf("n=%d: random round-trip error = %g, want <= %g", n, maxErr, tolerance)
		}
	}
}

func TestFFTImpulseSpectrum(t *testing.T) {
	t.Parallel()

	// A unit impulse has a flat spectrum: every bin equals 1+0i.
	re := make([]float64, 64)
	im := make([]float64, 64)
	re[0] = 1
	if err := dsp.FFT(re, im); err != nil {
		t.Fatalf("FFT: %v", err)
	}
	for i := range re {
		if math.Abs(re[i]-1) > tolerance || math.Abs(im[i]) > tolerance {
			t.Fatalf("bin %d = (%g, %g), want (1, 0)", i, re[i], im[i])
		}
	}
}

func TestFFTSineSingleBin(t *testing.T) {
	t.Parallel()

	// A pure sine at bin k concentrates energy in bins k and n-k.
	const n, k = 256, 8
	re := make([]float64, n)
	im := make([]float64, n)
	for i := range re {
		re[i] = math.Sin(2 * math.Pi * float64(k) * float64(i) / float64(n))
	}
	if err := dsp.FFT(re, im); err != nil {
		t.Fatalf("FFT: %v", err)
	}
	for i := range re {
		mag := math.Hypot(re[i], im[i])
		if i == k || i == n-k {
			if math.Abs(mag-float64(n)/2) > 1e-6 {
				t.Errorf("bin %d magnitude = %g, want %g", i, mag, float64(n)/2)
			}
		} else if mag > 1e-6 {
			t.Errorf("bin %d magnitude = %g, want ~0", i, mag)
		}
	}
}

func TestFFTRejectsBadLengths(t *testing.T) {
	t.Parallel()

	if err := dsp.FFT(make([]float64, 3), make([]float64, 3)); err == nil {
		t.Error("expected error for non-power-of-two length")
	}
	if err := dsp.FFT(nil, nil); err == nil {
		t.Error("expected error for empty input")
	}
	if err := dsp.FFT(make([]float64, 8), make([]float64, 4)); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}

func TestHannWindow(t *testing.T) {
	t.Parallel()

	w := dsp.HannWindow(512)
	if w[0] > tolerance || w[len(w)-1] > tolerance {
		t.Errorf("Hann endpoints = (%g, %g), want ~0", w[0], w[len(w)-1])
	}
	mid := w[len(w)/2]
	if math.Abs(mid-1) > 1e-4 {
		t.Errorf("Hann midpoint = %g, want ~1", mid)
	}
	for i, v := range w {
		if v < 0 || v > 1 {
			t.Fatalf("w[%d] = %g out of [0, 1]", i, v)
		}
	}
}
