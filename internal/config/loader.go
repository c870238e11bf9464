package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validOperators lists the recognised values for edge.default_operator.
var validOperators = []string{"add", "subtract", "multiply", "divide"}

// validLatencyHints and validModes mirror the pipeline's accepted values.
var (
	validLatencyHints = []string{"interactive", "balanced", "playback"}
	validModes        = []string{"continuous", "push_to_talk", "voice_activated"}
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("pipeline.channels %d is out of range [0, 2]", p.Channels))
	}
	if p.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_size %d must not be negative", p.BufferSize))
	}
	if p.LatencyHint != "" && !slices.Contains(validLatencyHints, p.LatencyHint) {
		errs = append(errs, fmt.Errorf("pipeline.latency_hint %q is invalid; valid values: interactive, balanced, playback", p.LatencyHint))
	}
	if p.Mode != "" && !slices.Contains(validModes, p.Mode) {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: continuous, push_to_talk, voice_activated", p.Mode))
	}

	// Denoise
	d := cfg.Denoise
	if d.FFTSize != 0 && (d.FFTSize < 64 || d.FFTSize&(d.FFTSize-1) != 0) {
		errs = append(errs, fmt.Errorf("denoise.fft_size %d must be a power of two >= 64", d.FFTSize))
	}
	if d.OverlapFactor != 0 && d.OverlapFactor != 2 && d.OverlapFactor != 4 && d.OverlapFactor != 8 {
		errs = append(errs, fmt.Errorf("denoise.overlap_factor %d is invalid; valid values: 2, 4, 8", d.OverlapFactor))
	}
	if d.Smoothing < 0 || d.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("denoise.smoothing %.2f is out of range [0, 1)", d.Smoothing))
	}
	if d.NoiseFloorMultiplier < 0 {
		errs = append(errs, fmt.Errorf("denoise.noise_floor_multiplier %.2f must not be negative", d.NoiseFloorMultiplier))
	}
	if d.MaxReductionDB < 0 {
		errs = append(errs, fmt.Errorf("denoise.max_reduction_db %.2f must not be negative", d.MaxReductionDB))
	}

	// Edge
	e := cfg.Edge
	if e.ConfidenceThreshold < 0 || e.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("edge.confidence_threshold %.2f is out of range [0, 1]", e.ConfidenceThreshold))
	}
	if e.MaxProcessingTimeMs < 0 {
		errs = append(errs, fmt.Errorf("edge.max_processing_time_ms %d must not be negative", e.MaxProcessingTimeMs))
	}
	if e.DefaultOperator != "" && !slices.Contains(validOperators, e.DefaultOperator) {
		errs = append(errs, fmt.Errorf("edge.default_operator %q is invalid; valid values: add, subtract, multiply, divide", e.DefaultOperator))
	}

	// Learning store
	ls := cfg.LearningStore
	if ls.Path != "" && ls.PostgresDSN != "" {
		slog.Warn("learning_store: both path and postgres_dsn are set; using postgres")
	}
	if e.Learning && ls.Path == "" && ls.PostgresDSN == "" {
		slog.Warn("edge.learning is enabled but learning_store is not configured; learning data will not survive restarts")
	}

	// Transport
	tr := cfg.Transport
	if tr.Codec != "" && !tr.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("transport.codec %q is invalid; valid values: raw, opus", tr.Codec))
	}
	if tr.PacketLifetimeMs < 0 {
		errs = append(errs, fmt.Errorf("transport.packet_lifetime_ms %d must not be negative", tr.PacketLifetimeMs))
	}
	if tr.URL == "" && tr.Codec != "" {
		slog.Warn("transport.codec is set but transport.url is empty; frames will not be forwarded")
	}

	return errors.Join(errs...)
}
