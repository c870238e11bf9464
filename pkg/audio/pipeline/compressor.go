package pipeline

// Dynamic-range compressor settings. This is a cheap amplitude limiter for
// keeping hot input from clipping downstream consumers — it is unrelated to
// noise cancellation or codec compression.
const (
	// compressorThreshold is the absolute amplitude above which gain
	// reduction starts, as a fraction of full scale.
	compressorThreshold = 0.7

	// compressorRatio is the input-to-output slope above the threshold.
	compressorRatio = 4.0
)

// compress applies fixed-threshold 4:1 compression and returns a new sample
// slice; the input is not modified.
func compress(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		a := s
		neg := a < 0
		if neg {
			a = -a
		}
		if a > compressorThreshold {
			a = compressorThreshold + (a-compressorThreshold)/compressorRatio
		}
		if neg {
			a = -a
		}
		out[i] = a
	}
	return out
}
