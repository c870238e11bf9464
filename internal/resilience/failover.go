package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllRoutesDown is returned by [Failover.Do] when every route fails or
// sits behind an open breaker.
var ErrAllRoutesDown = errors.New("resilience: all routes down")

// Config carries the breaker tuning applied to every route in a [Failover].
// The Name field of the embedded [BreakerConfig] is overwritten with each
// route's own name.
type Config struct {
	Breaker BreakerConfig
}

// route pairs one delivery target with its dedicated breaker.
type route[T any] struct {
	name    string
	target  T
	breaker *Breaker
}

// Failover fans a fallible call across a primary and any number of standby
// targets of the same type. Each route gets its own [Breaker], so a dead
// primary is skipped outright instead of being retried on every send.
//
// Register all routes before the first call to [Failover.Do]; Do itself is
// safe for concurrent use.
type Failover[T any] struct {
	routes []route[T]
	cfg    Config
}

// NewFailover creates a Failover with primary as its first route.
func NewFailover[T any](primary T, name string, cfg Config) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.add(name, primary)
	return f
}

// AddStandby registers a standby target, tried after the primary in
// registration order.
func (f *Failover[T]) AddStandby(name string, target T) {
	f.add(name, target)
}

func (f *Failover[T]) add(name string, target T) {
	bcfg := f.cfg.Breaker
	bcfg.Name = name
	f.routes = append(f.routes, route[T]{
		name:    name,
		target:  target,
		breaker: NewBreaker(bcfg),
	})
}

// Do tries call against each route in order, stopping at the first success.
// Routes with an open breaker are skipped. When every route fails, the
// returned error wraps [ErrAllRoutesDown] together with the last failure.
func (f *Failover[T]) Do(call func(T) error) error {
	var lastErr error
	for i := range f.routes {
		rt := &f.routes[i]
		err := rt.breaker.Do(func() error {
			return call(rt.target)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("resilience: route skipped, breaker open", "route", rt.name)
		} else {
			slog.Warn("resilience: route failed, trying next",
				"route", rt.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllRoutesDown, lastErr)
}
