package pipeline

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/mock"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

const testBufferSize = 8

// newTestPipeline builds a streaming pipeline fed by a mock capture stream.
// The pipeline is initialized, started, and torn down via t.Cleanup.
func newTestPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *mock.Stream) {
	t.Helper()

	if cfg.BufferSize == 0 {
		cfg.BufferSize = testBufferSize
	}
	stream := mock.NewStream(256)
	device := &mock.Device{OpenResult: stream}
	p := New(device, cfg, opts...)
	t.Cleanup(func() { _ = p.Destroy() })

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	return p, stream
}

// testChunk produces a capture chunk with exactly n samples of the given value.
func testChunk(n int, value float32) audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.Chunk{
		Samples:    samples,
		SampleRate: 48000,
		Channels:   1,
		Timestamp:  time.Now(),
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeIdempotent(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(1)
	device := &mock.Device{OpenResult: stream}
	p := New(device, Config{})
	t.Cleanup(func() { _ = p.Destroy() })

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := len(device.OpenCalls); got != 1 {
		t.Errorf("device opened %d times, want 1", got)
	}
}

func TestInitializeAcquisitionFailure(t *testing.T) {
	t.Parallel()

	device := &mock.Device{OpenError: errors.New("mic busy")}
	p := New(device, Config{})
	t.Cleanup(func() { _ = p.Destroy() })

	var reported atomic.Value
	p.OnError(func(err error) { reported.Store(err) })

	err := p.Initialize(context.Background())
	if !errors.Is(err, ErrAcquisition) {
		t.Fatalf("Initialize error = %v, want ErrAcquisition", err)
	}
	got, _ := reported.Load().(error)
	if !errors.Is(got, ErrAcquisition) {
		t.Errorf("error callback received %v, want ErrAcquisition", got)
	}
	if err := p.StartStreaming(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartStreaming after failed init = %v, want ErrNotInitialized", err)
	}
}

func TestStartAndStopAreNoOpsWhenRedundant(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, Config{})

	// Already streaming: second start must not error or reset anything.
	if err := p.StartStreaming(); err != nil {
		t.Fatalf("redundant StartStreaming: %v", err)
	}

	p.StopStreaming()
	p.StopStreaming() // not streaming: silently ignored
}

func TestChunksDeliveredInOrderWithSequentialIDs(t *testing.T) {
	t.Parallel()

	var got []uint64
	done := make(chan struct{})
	p, stream := newTestPipeline(t, Config{})
	p.OnChunk(func(c audio.Chunk) {
		got = append(got, c.ID)
		if len(got) == 5 {
			close(done)
		}
	})

	for range 5 {
		stream.Push(testChunk(testBufferSize, 0.5))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivered %d chunks, want 5", len(got))
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("chunk %d has ID %d, want %d", i, id, i+1)
		}
	}
	_ = p
}

func TestOutputBufferBoundedDropsOldest(t *testing.T) {
	t.Parallel()

	const maxChunks = 5
	const pushed = 12

	var delivered atomic.Int64
	p, stream := newTestPipeline(t, Config{MaxBufferedChunks: maxChunks})
	p.OnChunk(func(audio.Chunk) { delivered.Add(1) })

	// Push one at a time so every drop is charged to the output queue.
	for i := range pushed {
		stream.Push(testChunk(testBufferSize, 0.5))
		waitFor(t, "chunk processed", func() bool { return delivered.Load() == int64(i+1) })
	}

	out := p.DrainOutput()
	if len(out) != maxChunks {
		t.Errorf("output queue holds %d chunks, want %d", len(out), maxChunks)
	}
	// The retained chunks must be the newest ones.
	if out[0].ID != pushed-maxChunks+1 {
		t.Errorf("oldest retained chunk ID = %d, want %d", out[0].ID, pushed-maxChunks+1)
	}
	if got := p.Metrics().PacketsLost; got != pushed-maxChunks {
		t.Errorf("PacketsLost = %d, want %d", got, pushed-maxChunks)
	}
}

// stallStage blocks inside Process until released, signalling entry.
type stallStage struct {
	entered chan struct{}
	release chan struct{}
}

func (stallStage) Name() string { return "stall" }

func (s stallStage) Process(c audio.Chunk) (audio.Chunk, error) {
	s.entered <- struct{}{}
	<-s.release
	return c, nil
}

func TestInputBufferBoundedWhileProcessingStalls(t *testing.T) {
	t.Parallel()

	const maxChunks = 4
	const overflow = 3

	stall := stallStage{entered: make(chan struct{}, 16), release: make(chan struct{})}
	var delivered atomic.Int64
	p, stream := newTestPipeline(t,
		Config{MaxBufferedChunks: maxChunks, RealtimeProcessing: true},
		WithStages(stall),
	)
	p.OnChunk(func(audio.Chunk) { delivered.Add(1) })

	// First chunk occupies the stalled stage; the rest pile up behind it.
	stream.Push(testChunk(testBufferSize, 0.5))
	<-stall.entered

	for range maxChunks + overflow {
		stream.Push(testChunk(testBufferSize, 0.5))
	}
	waitFor(t, "overflow drops counted", func() bool {
		return p.Metrics().PacketsLost == overflow
	})

	close(stall.release)
	waitFor(t, "staged chunks delivered", func() bool {
		return delivered.Load() == maxChunks+1
	})

	// The survivors are the newest captures.
	out := p.DrainOutput()
	if out[len(out)-1].ID != 1+maxChunks+overflow {
		t.Errorf("newest delivered chunk ID = %d, want %d", out[len(out)-1].ID, 1+maxChunks+overflow)
	}
}

func TestRepacksOddBlockSizes(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	p, stream := newTestPipeline(t, Config{BufferSize: 8})
	p.OnChunk(func(c audio.Chunk) {
		if len(c.Samples) != 8 {
			t.Errorf("delivered chunk has %d samples, want 8", len(c.Samples))
		}
		delivered.Add(1)
	})

	// 3 + 5 + 8 = 16 samples → exactly two full blocks.
	stream.Push(testChunk(3, 0.5))
	stream.Push(testChunk(5, 0.5))
	stream.Push(testChunk(8, 0.5))

	waitFor(t, "two repacked chunks", func() bool { return delivered.Load() == 2 })
}

func TestCompressionAttenuatesLoudSamples(t *testing.T) {
	t.Parallel()

	got := make(chan audio.Chunk, 1)
	p, stream := newTestPipeline(t, Config{Compression: true})
	p.OnChunk(func(c audio.Chunk) {
		select {
		case got <- c:
		default:
		}
	})

	stream.Push(testChunk(testBufferSize, 1.0))

	select {
	case c := <-got:
		// 1.0 is 0.3 over the 0.7 knee; at 4:1 that compresses to 0.775.
		want := 0.775
		if math.Abs(float64(c.Samples[0])-want) > 1e-6 {
			t.Errorf("compressed sample = %v, want %v", c.Samples[0], want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk delivered")
	}
	_ = p
}

// gainStage doubles every sample. It stands in for a real processing stage.
type gainStage struct{}

func (gainStage) Name() string { return "gain" }

func (gainStage) Process(c audio.Chunk) (audio.Chunk, error) {
	out := make([]float32, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = s * 2
	}
	return c.WithSamples(out), nil
}

// faultStage always fails.
type faultStage struct{}

func (faultStage) Name() string { return "fault" }

func (faultStage) Process(c audio.Chunk) (audio.Chunk, error) {
	return audio.Chunk{}, errors.New("boom")
}

func TestStageChainAppliedInRealtimeMode(t *testing.T) {
	t.Parallel()

	got := make(chan audio.Chunk, 1)
	p, stream := newTestPipeline(t,
		Config{RealtimeProcessing: true},
		WithStages(gainStage{}, gainStage{}),
	)
	p.OnChunk(func(c audio.Chunk) {
		select {
		case got <- c:
		default:
		}
	})

	stream.Push(testChunk(testBufferSize, 0.1))

	select {
	case c := <-got:
		if math.Abs(float64(c.Samples[0])-0.4) > 1e-6 {
			t.Errorf("sample after two gain stages = %v, want 0.4", c.Samples[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk delivered")
	}
}

func TestStageFaultDropsChunkAndStreamSurvives(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	p, stream := newTestPipeline(t,
		Config{RealtimeProcessing: true},
		WithStages(faultStage{}),
	)
	p.OnChunk(func(audio.Chunk) { delivered.Add(1) })

	stream.Push(testChunk(testBufferSize, 0.5))
	stream.Push(testChunk(testBufferSize, 0.5))
	time.Sleep(50 * time.Millisecond)

	if got := delivered.Load(); got != 0 {
		t.Errorf("delivered %d chunks through a faulting stage, want 0", got)
	}
	// The pipeline itself must still be alive and streaming.
	if err := p.StartStreaming(); err != nil {
		t.Errorf("pipeline dead after stage faults: %v", err)
	}
}

func TestTransportForwarding(t *testing.T) {
	t.Parallel()

	peer := transport.NewChannelTransport(16)
	p, stream := newTestPipeline(t, Config{}, WithTransport(peer))

	stream.Push(testChunk(testBufferSize, 0.25))

	select {
	case frame := <-peer.Frames():
		chunk, err := transport.DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if chunk.ID != 1 {
			t.Errorf("forwarded chunk ID = %d, want 1", chunk.ID)
		}
		if len(chunk.Samples) != testBufferSize || chunk.Samples[0] != 0.25 {
			t.Errorf("forwarded payload mismatch: %v", chunk.Samples)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame forwarded")
	}

	waitFor(t, "bandwidth accounted", func() bool { return p.Metrics().BandwidthBytes > 0 })
}

func TestPushToTalkGatesChunks(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	p, stream := newTestPipeline(t, Config{Mode: ModePushToTalk})
	p.OnChunk(func(audio.Chunk) { delivered.Add(1) })

	stream.Push(testChunk(testBufferSize, 0.5))
	time.Sleep(50 * time.Millisecond)
	if got := delivered.Load(); got != 0 {
		t.Fatalf("delivered %d chunks while not talking, want 0", got)
	}

	p.SetTalking(true)
	stream.Push(testChunk(testBufferSize, 0.5))
	waitFor(t, "chunk delivered while talking", func() bool { return delivered.Load() == 1 })
}

func TestStopStreamingClearsBuffers(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	ended := make(chan struct{}, 1)
	p, stream := newTestPipeline(t, Config{})
	p.OnChunk(func(audio.Chunk) { delivered.Add(1) })
	p.OnStreamEnd(func() {
		select {
		case ended <- struct{}{}:
		default:
		}
	})

	stream.Push(testChunk(testBufferSize, 0.5))
	waitFor(t, "chunk delivered", func() bool { return delivered.Load() == 1 })

	p.StopStreaming()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("stream-end event not fired")
	}
	if out := p.DrainOutput(); len(out) != 0 {
		t.Errorf("output queue holds %d chunks after stop, want 0", len(out))
	}
}

func TestDestroyIsIdempotentAndSafeWithoutInitialize(t *testing.T) {
	t.Parallel()

	// Never initialized: nothing to release, must not panic.
	p := New(&mock.Device{}, Config{})
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy on fresh pipeline: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if err := p.Initialize(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Initialize after Destroy = %v, want ErrDestroyed", err)
	}
}

func TestDestroyReleasesCaptureStream(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(1)
	device := &mock.Device{OpenResult: stream}
	p := New(device, Config{})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if stream.CallCountClose != 1 {
		t.Errorf("capture stream closed %d times, want 1", stream.CallCountClose)
	}
}

func TestLatencyWindowStatistics(t *testing.T) {
	t.Parallel()

	var w latencyWindow
	for _, d := range []time.Duration{10, 20, 30} {
		w.add(d * time.Millisecond)
	}
	if got := w.average(); got != 20*time.Millisecond {
		t.Errorf("average = %v, want 20ms", got)
	}
	if w.jitter() == 0 {
		t.Error("jitter = 0 for varying latencies, want > 0")
	}

	// The window is bounded; old samples age out.
	for range latencyWindowSize {
		w.add(5 * time.Millisecond)
	}
	if got := w.average(); got != 5*time.Millisecond {
		t.Errorf("average after rollover = %v, want 5ms", got)
	}
	if got := w.jitter(); got != 0 {
		t.Errorf("jitter for constant latency = %v, want 0", got)
	}
}

func TestQualityScore(t *testing.T) {
	t.Parallel()

	silence := make([]float32, 256)
	if got := qualityScore(silence); got != 0 {
		t.Errorf("qualityScore(silence) = %v, want 0", got)
	}

	// A loud tone over a silent floor scores high; uniform noise scores low.
	tone := make([]float32, 256)
	for i := range tone {
		tone[i] = float32(math.Sin(2 * math.Pi * float64(i) / 32))
	}
	noise := make([]float32, 256)
	for i := range noise {
		noise[i] = 0.3
	}
	if toneScore, noiseScore := qualityScore(tone), qualityScore(noise); toneScore <= noiseScore {
		t.Errorf("tone score %v not above uniform-noise score %v", toneScore, noiseScore)
	}
}

func TestCompressKneeAndLinearRegion(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.7, 0.9, -0.9}
	out := compress(in)

	// Below the knee the signal passes through untouched.
	for i := range 4 {
		if out[i] != in[i] {
			t.Errorf("sample %v below knee altered to %v", in[i], out[i])
		}
	}
	// Above the knee the excess is divided by the ratio, sign preserved.
	want := float32(0.7 + 0.2/4)
	if out[4] != want {
		t.Errorf("compress(0.9) = %v, want %v", out[4], want)
	}
	if out[5] != -want {
		t.Errorf("compress(-0.9) = %v, want %v", out[5], -want)
	}
}
