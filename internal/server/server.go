// Package server exposes the voicepipe HTTP surface: the query endpoint, the
// WebSocket audio ingest endpoint, Prometheus metrics, and health probes.
//
// The Server owns no subsystem lifetimes besides the HTTP listener itself —
// the edge processor is created by main and injected, and each ingest
// connection gets its own short-lived capture pipeline.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wayfarerhq/voicepipe/internal/config"
	"github.com/wayfarerhq/voicepipe/internal/edge"
	"github.com/wayfarerhq/voicepipe/internal/health"
	"github.com/wayfarerhq/voicepipe/internal/observe"
	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/denoise"
	"github.com/wayfarerhq/voicepipe/pkg/audio/pipeline"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

const (
	// shutdownTimeout bounds graceful drain of in-flight requests.
	shutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Server serves the voicepipe HTTP API.
type Server struct {
	addr    string
	proc    *edge.Processor
	metrics *observe.Metrics
	health  *health.Handler

	pipeCfg        pipeline.Config
	packetLifetime time.Duration
	codec          config.Codec

	// newStages builds a fresh stage chain per ingest connection. Stages
	// carry per-stream state (noise profiles, overlap buffers) and must
	// never be shared between connections.
	newStages func() []audio.Stage

	// newUpstream, when set, dials a forwarding transport per ingest
	// connection. When nil, processed frames are echoed back to the client.
	newUpstream func(ctx context.Context) (transport.PacketTransport, error)
}

// Option configures a [Server] during construction.
type Option func(*Server)

// WithMetrics overrides the observe instruments. Tests use this to avoid the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStageFactory overrides the per-connection stage chain constructor.
func WithStageFactory(f func() []audio.Stage) Option {
	return func(s *Server) { s.newStages = f }
}

// WithUpstream routes processed frames to a dialed forwarding transport
// instead of echoing them back to the ingest client.
func WithUpstream(f func(ctx context.Context) (transport.PacketTransport, error)) Option {
	return func(s *Server) { s.newUpstream = f }
}

// New assembles a Server from the loaded config and an edge processor.
func New(cfg *config.Config, proc *edge.Processor, opts ...Option) *Server {
	s := &Server{
		addr:    cfg.Server.ListenAddr,
		proc:    proc,
		pipeCfg: cfg.Pipeline.ToPipeline(),
		codec:   cfg.Transport.Codec,
	}
	if s.addr == "" {
		s.addr = ":8080"
	}
	if ms := cfg.Transport.PacketLifetimeMs; ms > 0 {
		s.packetLifetime = time.Duration(ms) * time.Millisecond
	} else {
		s.packetLifetime = transport.DefaultPacketLifetime
	}

	denoiseOpts := cfg.Denoise.Options()
	denoiseEnabled := cfg.Denoise.Enabled
	s.newStages = func() []audio.Stage {
		if !denoiseEnabled {
			return nil
		}
		return []audio.Stage{denoise.New(denoiseOpts...)}
	}

	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.health = health.New(
		health.Checker{Name: "edge", Check: func(context.Context) error {
			if !proc.GetConfig().Enabled {
				return errors.New("processor disabled")
			}
			return nil
		}},
	)
	return s
}

// Routes builds the full handler chain: API routes, metrics scrape endpoint,
// and health probes, all wrapped in the observe middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/ingest", s.handleIngest)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains in-flight requests under
// [shutdownTimeout].
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
