package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/wayfarerhq/voicepipe/internal/config"
	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/mock"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

func TestRegistry_CreateCapture(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterCapture("mock", func(cfg *config.Config) (audio.CaptureDevice, error) {
		return &mock.Device{}, nil
	})

	dev, err := reg.CreateCapture("mock", &config.Config{})
	if err != nil {
		t.Fatalf("CreateCapture() error = %v", err)
	}
	if dev == nil {
		t.Fatal("CreateCapture() returned nil device")
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterTransport("loopback", func(config.TransportConfig) (transport.PacketTransport, error) {
		return transport.NewChannelTransport(4), nil
	})

	if _, err := reg.CreateCapture("missing", &config.Config{}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateCapture() error = %v, want ErrNotRegistered", err)
	}
	_, err := reg.CreateTransport("missing", config.TransportConfig{})
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateTransport() error = %v, want ErrNotRegistered", err)
	}
	// The error names what is registered to aid config typo hunting.
	if got := err.Error(); !strings.Contains(got, "missing") || !strings.Contains(got, "loopback") {
		t.Errorf("error %q should name the missing and registered transports", got)
	}
}
