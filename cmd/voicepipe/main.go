// Command voicepipe runs the voice processing server: WebSocket audio ingest
// through the capture pipeline, and the on-device query endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wayfarerhq/voicepipe/internal/config"
	"github.com/wayfarerhq/voicepipe/internal/edge"
	"github.com/wayfarerhq/voicepipe/internal/edge/learnstore"
	"github.com/wayfarerhq/voicepipe/internal/observe"
	"github.com/wayfarerhq/voicepipe/internal/server"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicepipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicepipe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voicepipe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicepipe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Learning store ────────────────────────────────────────────────────────
	store, err := buildLearningStore(ctx, cfg.LearningStore)
	if err != nil {
		slog.Error("failed to open learning store", "err", err)
		return 1
	}

	// ── Edge processor ────────────────────────────────────────────────────────
	var edgeOpts []edge.Option
	if store != nil {
		edgeOpts = append(edgeOpts, edge.WithStore(store))
	}
	proc := edge.New(cfg.Edge.ToEdge(), edgeOpts...)
	if store != nil {
		if err := proc.LoadLearning(ctx); err != nil {
			slog.Warn("failed to load learning data, starting fresh", "err", err)
		}
	}

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	var srvOpts []server.Option
	if cfg.Transport.URL != "" {
		tcfg := cfg.Transport
		srvOpts = append(srvOpts, server.WithUpstream(
			func(ctx context.Context) (transport.PacketTransport, error) {
				return reg.CreateTransport("websocket", tcfg)
			},
		))
		slog.Info("forwarding processed audio upstream", "url", tcfg.URL, "codec", tcfg.Codec)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(cfg, proc, srvOpts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			slog.SetDefault(newLogger(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.EdgeChanged {
			proc.UpdateConfig(d.NewEdge.ToEdge())
			slog.Info("edge processor config reloaded")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := proc.Destroy(shutdownCtx); err != nil {
		slog.Error("edge processor shutdown error", "err", err)
		return 1
	}
	if store != nil {
		if err := store.Close(); err != nil {
			slog.Warn("learning store close error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

// buildLearningStore selects the persistence backend for edge learning data.
// Postgres wins when both are configured; neither configured means learning
// stays in-memory only.
func buildLearningStore(ctx context.Context, cfg config.LearningStoreConfig) (edge.Store, error) {
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		ps := learnstore.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate learning schema: %w", err)
		}
		slog.Info("learning store", "backend", "postgres")
		return ps, nil
	}
	if cfg.Path != "" {
		slog.Info("learning store", "backend", "file", "path", cfg.Path)
		return learnstore.NewFileStore(cfg.Path), nil
	}
	return nil, nil
}

// registerBuiltinTransports wires the transport factories that ship with
// voicepipe into reg.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("websocket", func(cfg config.TransportConfig) (transport.PacketTransport, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var opts []transport.WSOption
		if cfg.PacketLifetimeMs > 0 {
			opts = append(opts, transport.WithPacketLifetime(time.Duration(cfg.PacketLifetimeMs)*time.Millisecond))
		}
		return transport.DialWS(ctx, cfg.URL, opts...)
	})
	reg.RegisterTransport("loopback", func(config.TransportConfig) (transport.PacketTransport, error) {
		return transport.NewChannelTransport(64), nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
