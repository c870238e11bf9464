// Package resilience keeps the audio uplink alive when a delivery route
// starts failing. A [Breaker] trips after a run of failed sends so a dead
// route stops eating the per-frame time budget, and [Failover] retries each
// send across standby routes in registration order.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is tripped
// and its cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is a breaker's current mode.
type State int

const (
	// BreakerClosed forwards every call.
	BreakerClosed State = iota

	// BreakerOpen rejects every call with [ErrBreakerOpen] until the
	// cooldown elapses.
	BreakerOpen

	// BreakerProbing lets a bounded number of trial calls through after
	// the cooldown; their outcome decides between closed and open.
	BreakerProbing
)

func (s State) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The defaults are sized for a realtime
// frame path: a handful of consecutive send failures is already tens of
// milliseconds of lost audio, and a tripped route is retired for seconds,
// not minutes, so recovery is noticed while the stream is still live.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// TripAfter is the run of consecutive failures that trips the breaker.
	// Default: 8.
	TripAfter int

	// Cooldown is how long a tripped breaker rejects calls before probing
	// the route again. Default: 5s.
	Cooldown time.Duration

	// ProbeBudget is how many trial sends the probing state allows. Every
	// probe must succeed for the breaker to close; one failure re-opens
	// it. Default: 2.
	ProbeBudget int
}

// Breaker guards one delivery route with the classic three-state pattern:
// closed while sends succeed, open for a cooldown once they keep failing,
// probing afterwards to see whether the route came back.
type Breaker struct {
	name        string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int

	mu         sync.Mutex
	state      State
	failStreak int
	trippedAt  time.Time
	probesSent int
	probesOK   int
}

// NewBreaker creates a Breaker, replacing zero config fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 8
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	return &Breaker{
		name:        cfg.Name,
		tripAfter:   cfg.TripAfter,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs send if the breaker admits it and folds the outcome back into
// the state machine. While the breaker is open, send is never called.
func (b *Breaker) Do(send func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := send()
	b.observe(err)
	return err
}

// admit decides whether a call may proceed, performing the open→probing
// transition once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.trippedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probesSent = 0
		b.probesOK = 0
		slog.Info("resilience: breaker probing route", "name", b.name)
	case BreakerProbing:
		if b.probesSent >= b.probeBudget {
			return ErrBreakerOpen
		}
	}
	if b.state == BreakerProbing {
		b.probesSent++
	}
	return nil
}

// observe folds one call outcome into the state machine.
func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.trippedAt = time.Now()
		if b.state == BreakerProbing {
			// One failed probe sends the route back into cooldown.
			b.state = BreakerOpen
			b.failStreak = b.tripAfter
			slog.Warn("resilience: probe failed, breaker re-opened", "name", b.name)
			return
		}
		b.failStreak++
		if b.state == BreakerClosed && b.failStreak >= b.tripAfter {
			b.state = BreakerOpen
			slog.Warn("resilience: breaker tripped",
				"name", b.name,
				"failed_sends", b.failStreak,
			)
		}
		return
	}

	if b.state == BreakerProbing {
		b.probesOK++
		if b.probesOK >= b.probeBudget {
			b.state = BreakerClosed
			b.failStreak = 0
			slog.Info("resilience: route recovered, breaker closed", "name", b.name)
		}
		return
	}
	b.failStreak = 0
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [BreakerProbing]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.trippedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failStreak = 0
	b.probesSent = 0
	b.probesOK = 0
	slog.Info("resilience: breaker reset", "name", b.name)
}
