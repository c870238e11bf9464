package dsp

import (
	"errors"
	"math"
)

// Transform input errors.
var (
	// ErrNotPowerOfTwo is returned when the transform length is not a
	// positive power of two.
	ErrNotPowerOfTwo = errors.New("dsp: length must be a power of two")

	// ErrLengthMismatch is returned when the real and imaginary slices have
	// different lengths.
	ErrLengthMismatch = errors.New("dsp: re/im length mismatch")
)

// HannWindow returns an n-point Hann window. The window tapers frame edges to
// zero, reducing spectral leakage when the frame is transformed.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
