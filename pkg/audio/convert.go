package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts chunks to a target format. It logs a warning on
// the first format mismatch so a misconfigured source is visible without
// flooding the log. Create one per stream; not designed for shared use
// across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert converts a chunk to the target format. If the source format already
// matches the target, the chunk is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(chunk Chunk) Chunk {
	// Fast path: source matches target.
	if chunk.SampleRate == c.Target.SampleRate && chunk.Channels == c.Target.Channels {
		return chunk
	}

	// Log warning on first mismatch.
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(chunk.SampleRate, chunk.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := chunk.Samples
	rate := chunk.SampleRate
	channels := chunk.Channels

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if rate != c.Target.SampleRate {
		samples = Resample(samples, channels, rate, c.Target.SampleRate)
		rate = c.Target.SampleRate
	}

	// Step 2: Channel conversion.
	if channels != c.Target.Channels {
		if channels == 1 && c.Target.Channels == 2 {
			samples = MonoToStereo(samples)
		} else if channels == 2 && c.Target.Channels == 1 {
			samples = StereoToMono(samples)
		}
		channels = c.Target.Channels
	}

	out := chunk.WithSamples(samples)
	out.SampleRate = rate
	out.Channels = channels
	return out
}

// MonoToStereo duplicates each mono sample into a stereo L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per interleaved stereo frame.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation, preserving the channel count. If srcRate == dstRate, the
// input is returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		for ch := range channels {
			s0 := samples[idx*channels+ch]
			s1 := s0
			if idx+1 < srcFrames {
				s1 = samples[(idx+1)*channels+ch]
			}
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
