package transport

import (
	"context"
	"errors"

	"github.com/wayfarerhq/voicepipe/internal/resilience"
)

// Compile-time interface assertion.
var _ PacketTransport = (*Resilient)(nil)

// Resilient is a [PacketTransport] that fails over between multiple
// underlying transports. Each transport gets its own breaker: after repeated
// send failures the primary is bypassed and frames flow through the next
// healthy fallback until the breaker's cooldown elapses.
//
// Resilient is safe for concurrent use.
type Resilient struct {
	group *resilience.Failover[PacketTransport]
	all   []PacketTransport
}

// NewResilient wraps primary in a failover group. Fallback transports are
// registered with [Resilient.AddFallback] and tried in registration order.
func NewResilient(primary PacketTransport, name string, cfg resilience.Config) *Resilient {
	return &Resilient{
		group: resilience.NewFailover(primary, name, cfg),
		all:   []PacketTransport{primary},
	}
}

// AddFallback registers an additional transport to try when earlier entries
// fail or have open breakers.
func (r *Resilient) AddFallback(name string, t PacketTransport) {
	r.group.AddStandby(name, t)
	r.all = append(r.all, t)
}

// Send delivers the frame through the first healthy transport.
func (r *Resilient) Send(ctx context.Context, frame []byte) error {
	return r.group.Do(func(t PacketTransport) error {
		return t.Send(ctx, frame)
	})
}

// Close closes every registered transport and joins their errors.
func (r *Resilient) Close() error {
	var errs []error
	for _, t := range r.all {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
