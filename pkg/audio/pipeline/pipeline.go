// Package pipeline owns the microphone-to-processed-chunk lifecycle:
// capture acquisition, buffering and chunking, a pluggable processing chain,
// rolling stream metrics, and optional forwarding of processed chunks over a
// low-latency peer transport.
//
// Event delivery uses explicit callback registration (OnChunk, OnError, …)
// rather than hidden wiring; callbacks are invoked from the pipeline's own
// goroutines and must not block. Chunks are processed and delivered in strict
// arrival order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

// Lifecycle errors.
var (
	// ErrAcquisition wraps capture device failures during Initialize.
	// Acquisition failures are terminal for the attempt — there is no
	// automatic retry; the caller must re-invoke Initialize.
	ErrAcquisition = errors.New("pipeline: audio acquisition failed")

	// ErrNotInitialized is returned by StartStreaming before a successful
	// Initialize.
	ErrNotInitialized = errors.New("pipeline: not initialized")

	// ErrDestroyed is returned by all lifecycle methods after Destroy.
	ErrDestroyed = errors.New("pipeline: destroyed")
)

// Thresholds for debounced metric callbacks.
const (
	// latencyChangeThreshold gates the latency-change callback: it fires
	// only when the instantaneous latency deviates from the rolling average
	// by more than this.
	latencyChangeThreshold = 10 * time.Millisecond

	// qualityChangeThreshold gates the quality-change callback.
	qualityChangeThreshold = 0.1

	// underrunHealth and overflowHealth bound the buffer-health callbacks.
	underrunHealth = 0.2
	overflowHealth = 0.9

	// voiceActivationScore is the minimum quality score that opens the
	// gate in voice-activated mode.
	voiceActivationScore = 0.15

	// Metric refresh cadences.
	bufferHealthInterval  = time.Second
	systemMetricsInterval = 5 * time.Second
)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithTransport attaches a peer transport; every processed chunk is also
// forwarded over it as a single encoded frame.
func WithTransport(t transport.PacketTransport) Option {
	return func(p *Pipeline) {
		p.peer = t
	}
}

// WithStages appends processing stages to the chain, run in order on every
// chunk when real-time processing is enabled.
func WithStages(stages ...audio.Stage) Option {
	return func(p *Pipeline) {
		p.stages = append(p.stages, stages...)
	}
}

// callbacks holds the registered event listeners. All fields may be nil.
type callbacks struct {
	onChunk       func(audio.Chunk)
	onError       func(error)
	onQuality     func(float64)
	onLatency     func(time.Duration)
	onUnderrun    func(float64)
	onOverflow    func(float64)
	onStreamStart func()
	onStreamEnd   func()
}

// Pipeline manages a single capture stream. Construct with [New], then call
// [Pipeline.Initialize] followed by [Pipeline.StartStreaming].
//
// All exported methods are safe for concurrent use. Chunk processing itself
// runs on one internal goroutine, preserving FIFO order end to end.
type Pipeline struct {
	cfg    Config
	device audio.CaptureDevice
	peer   transport.PacketTransport
	stages []audio.Stage

	mu sync.Mutex
	cb callbacks

	initialized bool
	streaming   bool
	destroyed   bool
	talking     bool

	stream   audio.CaptureStream
	chunkSeq uint64

	// Bounded queues: inputQ stages captured chunks ahead of processing,
	// outputQ holds processed chunks until the consumer drains them. Both
	// drop the oldest entry when full.
	inputQ  []audio.Chunk
	outputQ []audio.Chunk

	// Repack state for sources whose block size differs from BufferSize.
	pendingSamples []float32
	pendingTime    time.Time

	window          latencyWindow
	metrics         Metrics
	lastQuality     float64
	qualityReported bool

	healthTicker *time.Ticker
	systemTicker *time.Ticker
	done         chan struct{}
	inputReady   chan struct{}
	wg           sync.WaitGroup
}

// New creates a Pipeline reading from device. The pipeline does nothing until
// [Pipeline.Initialize] is called.
func New(device audio.CaptureDevice, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg.withDefaults(),
		device: device,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ── Event registration ────────────────────────────────────────────────────────

// OnChunk registers the processed-chunk listener. Only one listener per event
// may be registered; subsequent calls replace the previous registration.
func (p *Pipeline) OnChunk(fn func(audio.Chunk)) {
	p.setCallback(func(c *callbacks) { c.onChunk = fn })
}

// OnError registers the error listener. It receives acquisition failures and
// unrecoverable faults; per-chunk faults are logged, not surfaced.
func (p *Pipeline) OnError(fn func(error)) { p.setCallback(func(c *callbacks) { c.onError = fn }) }

// OnQualityChange registers the quality listener. It fires only when the
// score moves by more than 0.1 since the last report.
func (p *Pipeline) OnQualityChange(fn func(float64)) {
	p.setCallback(func(c *callbacks) { c.onQuality = fn })
}

// OnLatencyChange registers the latency listener. It fires only when a
// chunk's latency deviates from the rolling average by more than 10 ms.
func (p *Pipeline) OnLatencyChange(fn func(time.Duration)) {
	p.setCallback(func(c *callbacks) { c.onLatency = fn })
}

// OnBufferUnderrun registers the low-buffer-health listener.
func (p *Pipeline) OnBufferUnderrun(fn func(float64)) {
	p.setCallback(func(c *callbacks) { c.onUnderrun = fn })
}

// OnBufferOverflow registers the queue-saturation listener.
func (p *Pipeline) OnBufferOverflow(fn func(float64)) {
	p.setCallback(func(c *callbacks) { c.onOverflow = fn })
}

// OnStreamStart registers the stream-start listener.
func (p *Pipeline) OnStreamStart(fn func()) {
	p.setCallback(func(c *callbacks) { c.onStreamStart = fn })
}

// OnStreamEnd registers the stream-end listener.
func (p *Pipeline) OnStreamEnd(fn func()) {
	p.setCallback(func(c *callbacks) { c.onStreamEnd = fn })
}

func (p *Pipeline) setCallback(set func(*callbacks)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set(&p.cb)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Initialize acquires the capture device and starts the monitoring timers.
// It is idempotent: a second call without an intervening Destroy does not
// re-acquire the device and returns nil like the first.
//
// On failure the error is also delivered to the error listener. A failed
// pipeline is not retried automatically; the caller decides whether to
// Initialize again.
func (p *Pipeline) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.initialized {
		p.mu.Unlock()
		slog.Debug("pipeline: already initialized")
		return nil
	}
	p.mu.Unlock()

	hints := audio.CaptureHints{
		EchoCancellation: p.cfg.EchoCancellation,
		NoiseSuppression: p.cfg.NoiseSuppression,
		AutoGain:         p.cfg.AutoGain,
		Latency:          p.cfg.Latency,
	}
	format := audio.Format{SampleRate: p.cfg.SampleRate, Channels: p.cfg.Channels}

	stream, err := p.device.Open(ctx, format, hints)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrAcquisition, err)
		p.fireError(wrapped)
		return wrapped
	}

	p.mu.Lock()
	if p.destroyed {
		// Destroyed concurrently while acquiring; release the device.
		p.mu.Unlock()
		_ = stream.Close()
		return ErrDestroyed
	}
	p.stream = stream
	p.done = make(chan struct{})
	p.inputReady = make(chan struct{}, 1)
	p.healthTicker = time.NewTicker(bufferHealthInterval)
	p.systemTicker = time.NewTicker(systemMetricsInterval)
	p.initialized = true
	p.mu.Unlock()

	p.wg.Add(3)
	go p.run(stream)
	go p.processLoop()
	go p.monitor()

	slog.Info("pipeline: initialized",
		"sample_rate", p.cfg.SampleRate,
		"channels", p.cfg.Channels,
		"buffer_size", p.cfg.BufferSize,
		"mode", p.cfg.Mode,
		"latency_hint", p.cfg.Latency,
	)
	return nil
}

// StartStreaming begins delivering chunks. Calling it while already streaming
// is a no-op with a warning.
func (p *Pipeline) StartStreaming() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}
	if !p.initialized {
		return ErrNotInitialized
	}
	if p.streaming {
		slog.Warn("pipeline: StartStreaming called while already streaming")
		return nil
	}

	p.chunkSeq = 0
	p.streaming = true
	if cb := p.cb.onStreamStart; cb != nil {
		go cb()
	}
	slog.Info("pipeline: streaming started")
	return nil
}

// StopStreaming stops delivery and clears every internal buffer. Stopping a
// pipeline that is not streaming is a no-op.
func (p *Pipeline) StopStreaming() {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return
	}
	p.streaming = false
	p.inputQ = nil
	p.outputQ = nil
	p.pendingSamples = nil
	cb := p.cb.onStreamEnd
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
	slog.Info("pipeline: streaming stopped")
}

// SetTalking sets the push-to-talk gate. Only meaningful in
// [ModePushToTalk]; ignored otherwise.
func (p *Pipeline) SetTalking(talking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.talking = talking
}

// Metrics returns a snapshot of the current streaming metrics.
func (p *Pipeline) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// DrainOutput removes and returns every chunk currently held in the output
// queue, oldest first.
func (p *Pipeline) DrainOutput() []audio.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outputQ
	p.outputQ = nil
	return out
}

// Destroy performs an ordered, idempotent teardown: stop streaming, stop the
// monitoring timers, close the peer transport, close the capture stream. It
// is safe to call on a pipeline that never initialized or only partially
// initialized.
func (p *Pipeline) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true

	wasStreaming := p.streaming
	p.streaming = false
	p.initialized = false
	p.inputQ = nil
	p.outputQ = nil
	p.pendingSamples = nil

	stream := p.stream
	p.stream = nil
	peer := p.peer
	p.peer = nil
	ht, st := p.healthTicker, p.systemTicker
	p.healthTicker, p.systemTicker = nil, nil
	done := p.done
	p.done = nil
	endCb := p.cb.onStreamEnd
	p.mu.Unlock()

	if wasStreaming && endCb != nil {
		endCb()
	}
	if ht != nil {
		ht.Stop()
	}
	if st != nil {
		st.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Warn("pipeline: transport close error", "error", err)
		}
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("pipeline: capture stream close error", "error", err)
		}
	}
	if done != nil {
		close(done)
	}
	p.wg.Wait()

	slog.Info("pipeline: destroyed")
	return nil
}

// ── Processing ────────────────────────────────────────────────────────────────

// run consumes the capture stream until the stream closes or Destroy fires.
func (p *Pipeline) run(stream audio.CaptureStream) {
	defer p.wg.Done()

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case raw, ok := <-stream.Frames():
			if !ok {
				return
			}
			if !p.isStreaming() {
				continue
			}
			p.ingest(raw)
		}
	}
}

func (p *Pipeline) isStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// ingest repacks raw capture data into BufferSize blocks and processes each
// complete block. Sources that already deliver exact blocks skip the repack
// copy.
func (p *Pipeline) ingest(raw audio.Chunk) {
	p.mu.Lock()
	if len(p.pendingSamples) == 0 && len(raw.Samples) == p.cfg.BufferSize {
		p.mu.Unlock()
		p.processBlock(raw.Samples, raw.Timestamp)
		return
	}
	if len(p.pendingSamples) == 0 {
		p.pendingTime = raw.Timestamp
	}
	p.pendingSamples = append(p.pendingSamples, raw.Samples...)

	var blocks [][]float32
	ts := p.pendingTime
	for len(p.pendingSamples) >= p.cfg.BufferSize {
		block := make([]float32, p.cfg.BufferSize)
		copy(block, p.pendingSamples[:p.cfg.BufferSize])
		blocks = append(blocks, block)
		p.pendingSamples = p.pendingSamples[p.cfg.BufferSize:]
	}
	if len(p.pendingSamples) == 0 {
		p.pendingTime = time.Time{}
	}
	p.mu.Unlock()

	for _, block := range blocks {
		p.processBlock(block, ts)
		ts = time.Time{} // only the first block carries the capture time
	}
}

// processBlock wraps one complete block as a chunk, applies the mode and
// quality gates, and stages it on the input queue for the processing
// goroutine. Capture never waits on the stage chain or the transport.
func (p *Pipeline) processBlock(samples []float32, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}

	p.mu.Lock()
	p.chunkSeq++
	id := p.chunkSeq
	mode := p.cfg.Mode
	talking := p.talking
	p.mu.Unlock()

	if mode == ModePushToTalk && !talking {
		return
	}

	chunk := audio.Chunk{
		ID:         id,
		Samples:    samples,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Timestamp:  ts,
		Duration:   time.Duration(len(samples)/p.cfg.Channels) * time.Second / time.Duration(p.cfg.SampleRate),
		Meta:       map[string]any{"buffer_size": len(samples)},
	}

	score := qualityScore(chunk.Samples)
	if mode == ModeVoiceActivated && score < voiceActivationScore {
		p.updateQuality(score)
		return
	}

	p.stageInput(chunk)
	p.updateQuality(score)
}

// processLoop drains the input queue, running each staged chunk through the
// full processing path in capture order.
func (p *Pipeline) processLoop() {
	defer p.wg.Done()

	p.mu.Lock()
	done := p.done
	ready := p.inputReady
	p.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case <-ready:
			for {
				chunk, ok := p.popInput()
				if !ok {
					break
				}
				p.processChunk(chunk)
			}
		}
	}
}

// processChunk runs one staged chunk through compression, the stage chain,
// metrics, transport, and delivery. A panic inside any step is recovered —
// the chunk is dropped and the stream continues.
func (p *Pipeline) processChunk(chunk audio.Chunk) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline: chunk processing fault, dropping chunk", "panic", r)
		}
	}()

	start := time.Now()

	if p.cfg.Compression {
		chunk = chunk.WithSamples(compress(chunk.Samples))
	}

	if p.cfg.RealtimeProcessing {
		for _, st := range p.stages {
			next, err := st.Process(chunk)
			if err != nil {
				slog.Warn("pipeline: stage fault, dropping chunk",
					"stage", st.Name(),
					"chunk_id", chunk.ID,
					"error", err,
				)
				return
			}
			if len(next.Samples) == 0 {
				// Stage is accumulating (e.g. the denoiser waiting for a
				// full hop); nothing to deliver yet.
				return
			}
			chunk = next
		}
	}

	p.recordLatency(chunk, start)

	if peer := p.transportPeer(); peer != nil {
		frame := transport.EncodeFrame(chunk)
		if err := peer.Send(context.Background(), frame); err != nil {
			slog.Warn("pipeline: transport send failed, chunk not forwarded", "chunk_id", chunk.ID, "error", err)
		} else {
			p.mu.Lock()
			p.metrics.BandwidthBytes += uint64(len(frame))
			p.mu.Unlock()
		}
	}

	p.deliver(chunk)
}

// stageInput appends the chunk to the bounded input queue and wakes the
// processing goroutine. A full queue drops its oldest entry and counts it
// as lost. Never blocks.
func (p *Pipeline) stageInput(chunk audio.Chunk) {
	p.mu.Lock()
	if len(p.inputQ) >= p.cfg.MaxBufferedChunks {
		p.inputQ = p.inputQ[1:]
		p.metrics.PacketsLost++
	}
	p.inputQ = append(p.inputQ, chunk)
	ready := p.inputReady
	p.mu.Unlock()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
}

// popInput removes and returns the oldest staged chunk.
func (p *Pipeline) popInput() (audio.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.inputQ) == 0 {
		return audio.Chunk{}, false
	}
	chunk := p.inputQ[0]
	p.inputQ = p.inputQ[1:]
	return chunk, true
}

// deliver pushes the processed chunk into the bounded output queue and fires
// the chunk listener. A full output queue drops its oldest chunk and counts
// it as lost — backpressure never blocks the audio path.
func (p *Pipeline) deliver(chunk audio.Chunk) {
	p.mu.Lock()
	if len(p.outputQ) >= p.cfg.MaxBufferedChunks {
		p.outputQ = p.outputQ[1:]
		p.metrics.PacketsLost++
	}
	p.outputQ = append(p.outputQ, chunk)
	cb := p.cb.onChunk
	p.mu.Unlock()

	if cb != nil {
		cb(chunk)
	}
}

// recordLatency folds one chunk's capture-to-now latency into the rolling
// window and fires the debounced latency listener.
func (p *Pipeline) recordLatency(chunk audio.Chunk, processedAt time.Time) {
	lat := time.Since(chunk.Timestamp)
	procLat := time.Since(processedAt)
	chunk.Meta["processing_latency_ms"] = float64(procLat.Microseconds()) / 1000

	p.mu.Lock()
	p.window.add(lat)
	avg := p.window.average()
	p.metrics.AverageLatency = avg
	p.metrics.Jitter = p.window.jitter()

	var cb func(time.Duration)
	diff := lat - avg
	if diff < 0 {
		diff = -diff
	}
	if diff > latencyChangeThreshold {
		cb = p.cb.onLatency
	}
	p.mu.Unlock()

	if cb != nil {
		cb(lat)
	}
}

// updateQuality records the chunk quality score and fires the debounced
// quality listener.
func (p *Pipeline) updateQuality(score float64) {
	p.mu.Lock()
	p.metrics.QualityScore = score

	var cb func(float64)
	diff := score - p.lastQuality
	if diff < 0 {
		diff = -diff
	}
	if !p.qualityReported || diff > qualityChangeThreshold {
		p.lastQuality = score
		p.qualityReported = true
		cb = p.cb.onQuality
	}
	p.mu.Unlock()

	if cb != nil {
		cb(score)
	}
}

func (p *Pipeline) transportPeer() transport.PacketTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *Pipeline) fireError(err error) {
	p.mu.Lock()
	cb := p.cb.onError
	p.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// ── Monitoring ────────────────────────────────────────────────────────────────

// monitor refreshes buffer health every second and coarse system metrics
// every five, until Destroy fires.
func (p *Pipeline) monitor() {
	defer p.wg.Done()

	p.mu.Lock()
	done := p.done
	ht, st := p.healthTicker, p.systemTicker
	p.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case <-ht.C:
			p.updateBufferHealth()
		case <-st.C:
			p.updateSystemMetrics()
		}
	}
}

func (p *Pipeline) updateBufferHealth() {
	p.mu.Lock()
	maxLen := p.cfg.MaxBufferedChunks
	inHealth := 1 - float64(len(p.inputQ))/float64(maxLen)
	outHealth := 1 - float64(len(p.outputQ))/float64(maxLen)
	health := inHealth
	if outHealth < health {
		health = outHealth
	}
	p.metrics.BufferHealth = health

	var underrun, overflow func(float64)
	if health < underrunHealth {
		underrun = p.cb.onUnderrun
	}
	if health > overflowHealth && len(p.inputQ) > (maxLen*9)/10 {
		overflow = p.cb.onOverflow
	}
	p.mu.Unlock()

	if underrun != nil {
		underrun(health)
	}
	if overflow != nil {
		overflow(health)
	}
}

func (p *Pipeline) updateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	p.mu.Lock()
	defer p.mu.Unlock()

	if ms.HeapSys > 0 {
		p.metrics.MemoryUsage = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}

	// Coarse CPU proxy: how much of each chunk's real-time budget the
	// rolling processing latency consumes.
	chunkDur := time.Duration(p.cfg.BufferSize/p.cfg.Channels) * time.Second / time.Duration(p.cfg.SampleRate)
	if chunkDur > 0 {
		usage := float64(p.metrics.AverageLatency) / float64(chunkDur)
		if usage > 1 {
			usage = 1
		}
		if usage < 0 {
			usage = 0
		}
		p.metrics.CPUUsage = usage
	}
}
