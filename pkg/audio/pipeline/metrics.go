package pipeline

import (
	"math"
	"sort"
	"time"
)

// latencyWindowSize is the number of recent latency samples retained for the
// rolling average and jitter computation.
const latencyWindowSize = 100

// Metrics is a point-in-time snapshot of the pipeline's streaming health.
// Values are recomputed continuously from the latency window and periodic
// timers; readers may observe slightly stale values between refreshes.
type Metrics struct {
	// AverageLatency is the rolling mean capture-to-delivery latency.
	AverageLatency time.Duration

	// Jitter is the mean absolute deviation between consecutive latency
	// samples in the window.
	Jitter time.Duration

	// PacketsLost counts chunks dropped from full queues.
	PacketsLost uint64

	// BandwidthBytes is the cumulative payload volume forwarded over the
	// peer transport.
	BandwidthBytes uint64

	// CPUUsage and MemoryUsage are coarse host-load estimates in [0, 1],
	// refreshed every few seconds.
	CPUUsage    float64
	MemoryUsage float64

	// BufferHealth is 1 - queueLength/capacity, taking the worse of the
	// input and output queues. 1 means empty queues, 0 means saturated.
	BufferHealth float64

	// QualityScore is the most recent per-chunk audio quality estimate
	// in [0, 1].
	QualityScore float64
}

// latencyWindow is a bounded FIFO of latency samples.
type latencyWindow struct {
	samples []time.Duration
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples = append(w.samples, d)
	if len(w.samples) > latencyWindowSize {
		w.samples = w.samples[1:]
	}
}

// average returns the mean of the window, or 0 when empty.
func (w *latencyWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.samples {
		sum += d
	}
	return sum / time.Duration(len(w.samples))
}

// jitter returns the mean absolute difference between consecutive samples.
func (w *latencyWindow) jitter() time.Duration {
	if len(w.samples) < 2 {
		return 0
	}
	var sum time.Duration
	for i := 1; i < len(w.samples); i++ {
		d := w.samples[i] - w.samples[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / time.Duration(len(w.samples)-1)
}

// qualityScore estimates audio quality for one chunk in [0, 1]. The noise
// power is taken as the 10th percentile of absolute sample magnitudes — quiet
// stretches between words — and the score maps the resulting SNR onto 0–1
// with 40 dB treated as perfect.
func qualityScore(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sumSq float64
	abs := make([]float64, len(samples))
	for i, s := range samples {
		v := float64(s)
		sumSq += v * v
		abs[i] = math.Abs(v)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms == 0 {
		return 0
	}

	sort.Float64s(abs)
	noise := abs[len(abs)/10]
	if noise <= 0 {
		noise = 1e-6
	}

	snrDB := 20 * math.Log10(rms/noise)
	score := snrDB / 40
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
