package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wayfarerhq/voicepipe/pkg/audio"
	"github.com/wayfarerhq/voicepipe/pkg/audio/transport"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// CaptureFactory builds a capture device from the loaded configuration.
type CaptureFactory func(cfg *Config) (audio.CaptureDevice, error)

// TransportFactory builds a frame transport from the transport block.
type TransportFactory func(cfg TransportConfig) (transport.PacketTransport, error)

// Registry maps component names to their constructor functions. The main
// package registers the available capture devices and transports at startup;
// the server picks them by name. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	capture    map[string]CaptureFactory
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:    make(map[string]CaptureFactory),
		transports: make(map[string]TransportFactory),
	}
}

// RegisterCapture registers a capture device factory under name, replacing
// any previous registration.
func (r *Registry) RegisterCapture(name string, f CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = f
}

// RegisterTransport registers a transport factory under name, replacing any
// previous registration.
func (r *Registry) RegisterTransport(name string, f TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = f
}

// CreateCapture builds the capture device registered under name.
func (r *Registry) CreateCapture(name string, cfg *Config) (audio.CaptureDevice, error) {
	r.mu.RLock()
	f, ok := r.capture[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture device %q (registered: %v)", ErrNotRegistered, name, r.captureNames())
	}
	return f(cfg)
}

// CreateTransport builds the transport registered under name.
func (r *Registry) CreateTransport(name string, cfg TransportConfig) (transport.PacketTransport, error) {
	r.mu.RLock()
	f, ok := r.transports[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport %q (registered: %v)", ErrNotRegistered, name, r.transportNames())
	}
	return f(cfg)
}

func (r *Registry) captureNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.capture))
	for n := range r.capture {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) transportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
