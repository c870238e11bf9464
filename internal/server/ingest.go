package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wayfarerhq/voicepipe/internal/config"
	"github.com/wayfarerhq/voicepipe/internal/resilience"
	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/codec"
	"github.com/wayfarerhq/voicepipe/pkg/audio/pipeline"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

// ingestBuffer is the per-connection staging depth between the WebSocket
// reader and the pipeline. A full buffer sheds the newest frame — the reader
// must never block on a slow pipeline.
const ingestBuffer = 64

// handleIngest upgrades the request to a WebSocket and runs a dedicated
// capture pipeline over it: incoming binary messages are decoded into chunks,
// processed through the stage chain, and the processed frames are echoed back
// to the client over the same connection.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: ingest accept failed", "err", err)
		return
	}

	ctx := r.Context()
	log := slog.With("remote", r.RemoteAddr)

	dev := newFrameDevice(ingestBuffer)
	peer, err := s.newPeer(ctx, conn)
	if err != nil {
		log.Error("server: ingest peer setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "peer setup failed")
		return
	}
	p := pipeline.New(dev, s.pipeCfg,
		pipeline.WithStages(s.timedStages(ctx)...),
		pipeline.WithTransport(peer),
	)
	p.OnChunk(func(chunk audio.Chunk) {
		s.metrics.ChunkLatency.Record(ctx, time.Since(chunk.Timestamp).Seconds())
	})
	p.OnError(func(err error) {
		log.Warn("server: ingest pipeline error", "err", err)
	})

	if err := p.Initialize(ctx); err != nil {
		log.Error("server: ingest pipeline init failed", "err", err)
		conn.Close(websocket.StatusInternalError, "pipeline init failed")
		return
	}
	defer func() {
		lost := p.Metrics().PacketsLost
		sent := p.Metrics().BandwidthBytes
		if err := p.Destroy(); err != nil {
			log.Warn("server: ingest pipeline destroy failed", "err", err)
		}
		s.metrics.TransportBytes.Add(ctx, int64(sent))
		log.Info("server: ingest session ended", "lost", lost, "bytes", sent)
	}()

	if err := p.StartStreaming(); err != nil {
		log.Error("server: ingest start failed", "err", err)
		return
	}

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	conv := audio.FormatConverter{Target: s.targetFormat()}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Normal closure and context cancellation both land here.
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		chunk, err := transport.DecodeFrame(data)
		if err != nil {
			s.metrics.RecordChunkDropped(ctx, "decode")
			continue
		}
		if !dev.push(conv.Convert(chunk)) {
			s.metrics.RecordChunkDropped(ctx, "ingest_overflow")
		}
	}
}

// newPeer builds the per-connection forwarding transport: a dialed upstream
// when configured, otherwise an echo back over the ingest connection itself,
// with optional Opus transcoding on top.
func (s *Server) newPeer(ctx context.Context, conn *websocket.Conn) (transport.PacketTransport, error) {
	var peer transport.PacketTransport
	echo := transport.NewWS(conn, transport.WithPacketLifetime(s.packetLifetime))
	if s.newUpstream != nil {
		up, err := s.newUpstream(ctx)
		if err != nil {
			return nil, err
		}
		// Upstream outages degrade to echoing processed frames back to the
		// client instead of dropping them.
		res := transport.NewResilient(up, "upstream", resilience.Config{})
		res.AddFallback("echo", echo)
		peer = res
	} else {
		peer = echo
	}

	if s.codec == config.CodecOpus {
		format := s.targetFormat()
		wrapped, err := codec.NewTransport(peer, format.SampleRate, format.Channels)
		if err != nil {
			peer.Close()
			return nil, err
		}
		peer = wrapped
	}
	return peer, nil
}

// timedStages builds the stage chain with the denoise stage wrapped so its
// per-chunk processing time lands in the denoise duration histogram.
func (s *Server) timedStages(ctx context.Context) []audio.Stage {
	stages := s.newStages()
	for i, st := range stages {
		if st.Name() != "denoise" {
			continue
		}
		stages[i] = timedStage{Stage: st, record: func(d time.Duration) {
			s.metrics.DenoiseDuration.Record(ctx, d.Seconds())
		}}
	}
	return stages
}

// timedStage forwards to the wrapped stage and reports how long each chunk
// took to process.
type timedStage struct {
	audio.Stage
	record func(time.Duration)
}

func (t timedStage) Process(chunk audio.Chunk) (audio.Chunk, error) {
	start := time.Now()
	out, err := t.Stage.Process(chunk)
	t.record(time.Since(start))
	return out, err
}

// targetFormat is the format the per-connection pipeline runs at. Clients may
// send any rate and channel layout; ingest converts before buffering.
func (s *Server) targetFormat() audio.Format {
	f := audio.Format{SampleRate: s.pipeCfg.SampleRate, Channels: s.pipeCfg.Channels}
	if f.SampleRate == 0 {
		f.SampleRate = 48000
	}
	if f.Channels == 0 {
		f.Channels = 1
	}
	return f
}

// ─── Frame-fed capture device ────────────────────────────────────────────────

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*frameDevice)(nil)
	_ audio.CaptureStream = (*frameStream)(nil)
)

// frameDevice is a single-use [audio.CaptureDevice] fed by decoded network
// frames instead of a microphone.
type frameDevice struct {
	stream *frameStream

	mu     sync.Mutex
	opened bool
}

func newFrameDevice(buffer int) *frameDevice {
	return &frameDevice{
		stream: &frameStream{frames: make(chan audio.Chunk, buffer)},
	}
}

// Open hands out the device's one stream. A second Open fails.
func (d *frameDevice) Open(_ context.Context, _ audio.Format, _ audio.CaptureHints) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil, errors.New("server: frame device already open")
	}
	d.opened = true
	return d.stream, nil
}

// push offers a chunk to the stream. Returns false when the stream is closed
// or the buffer is full.
func (d *frameDevice) push(chunk audio.Chunk) bool {
	return d.stream.push(chunk)
}

// frameStream is the channel-backed stream behind a [frameDevice].
type frameStream struct {
	mu     sync.Mutex
	closed bool
	frames chan audio.Chunk
}

func (s *frameStream) Frames() <-chan audio.Chunk { return s.frames }

func (s *frameStream) push(chunk audio.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- chunk:
		return true
	default:
		return false
	}
}

// Close ends the stream. Safe to call more than once.
func (s *frameStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}
