// Package dsp provides the small signal-processing toolkit used by the noise
// canceller: an in-place radix-2 FFT/IFFT pair and analysis window generation.
//
// The transform operates on separate real and imaginary float64 slices rather
// than []complex128 — the spectral-subtraction inner loop reads and writes
// magnitudes bin by bin, and split slices keep that loop allocation-free.
package dsp

import "math"

// FFT computes the in-place forward discrete Fourier transform of the signal
// held in re/im. Both slices must have the same power-of-two length.
//
// The implementation is the iterative radix-2 Cooley–Tukey algorithm: a
// bit-reversal permutation followed by log2(n) butterfly stages.
func FFT(re, im []float64) error {
	n := len(re)
	if len(im) != n {
		return ErrLengthMismatch
	}
	if n == 0 || n&(n-1) != 0 {
		return ErrNotPowerOfTwo
	}

	bitReverse(re, im)

	// Butterfly stages: sub-transform size doubles each pass.
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				wRe := math.Cos(step * float64(k))
				wIm := math.Sin(step * float64(k))

				i := start + k
				j := i + half

				tRe := wRe*re[j] - wIm*im[j]
				tIm := wRe*im[j] + wIm*re[j]

				re[j] = re[i] - tRe
				im[j] = im[i] - tIm
				re[i] += tRe
				im[i] += tIm
			}
		}
	}
	return nil
}

// IFFT computes the in-place inverse transform of re/im, scaling by 1/n so
// that IFFT(FFT(x)) == x within floating-point tolerance.
func IFFT(re, im []float64) error {
	n := len(re)
	if len(im) != n {
		return ErrLengthMismatch
	}

	// Inverse via conjugation: conj, forward transform, conj, scale.
	for i := range im {
		im[i] = -im[i]
	}
	if err := FFT(re, im); err != nil {
		return err
	}
	scale := 1 / float64(n)
	for i := range re {
		re[i] *= scale
		im[i] = -im[i] * scale
	}
	return nil
}

// bitReverse permutes re/im into bit-reversed index order. len must be a
// power of two.
func bitReverse(re, im []float64) {
	n := len(re)
	j := 0
	for i := 1; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
}
