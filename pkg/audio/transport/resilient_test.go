package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wayfarerhq/voicepipe/internal/resilience"
)

// failingTransport always fails to send and counts attempts.
type failingTransport struct {
	sends  int
	closed bool
}

func (t *failingTransport) Send(context.Context, []byte) error {
	t.sends++
	return errors.New("wire down")
}

func (t *failingTransport) Close() error {
	t.closed = true
	return nil
}

func TestResilient_PrimaryDelivers(t *testing.T) {
	t.Parallel()

	primary := NewChannelTransport(4)
	r := NewResilient(primary, "primary", resilience.Config{})

	if err := r.Send(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case frame := <-primary.Frames():
		if len(frame) != 3 {
			t.Errorf("frame length = %d, want 3", len(frame))
		}
	default:
		t.Fatal("primary received no frame")
	}
}

func TestResilient_FailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &failingTransport{}
	fallback := NewChannelTransport(4)
	r := NewResilient(primary, "primary", resilience.Config{})
	r.AddFallback("fallback", fallback)

	if err := r.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if primary.sends != 1 {
		t.Errorf("primary attempts = %d, want 1", primary.sends)
	}
	select {
	case <-fallback.Frames():
	default:
		t.Fatal("fallback received no frame")
	}
}

func TestResilient_BreakerBypassesTrippedPrimary(t *testing.T) {
	t.Parallel()

	primary := &failingTransport{}
	fallback := NewChannelTransport(4)
	r := NewResilient(primary, "primary", resilience.Config{
		Breaker: resilience.BreakerConfig{
			TripAfter: 1,
			Cooldown:  time.Hour,
		},
	})
	r.AddFallback("fallback", fallback)

	for i := 0; i < 3; i++ {
		if err := r.Send(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}
	// One failure trips the breaker; later sends skip the primary.
	if primary.sends != 1 {
		t.Errorf("primary attempts = %d, want 1", primary.sends)
	}
	if got := len(fallback.Frames()); got != 3 {
		t.Errorf("fallback frames = %d, want 3", got)
	}
}

func TestResilient_AllFailed(t *testing.T) {
	t.Parallel()

	r := NewResilient(&failingTransport{}, "primary", resilience.Config{})
	r.AddFallback("fallback", &failingTransport{})

	err := r.Send(context.Background(), []byte{1})
	if !errors.Is(err, resilience.ErrAllRoutesDown) {
		t.Errorf("Send() error = %v, want ErrAllRoutesDown", err)
	}
}

func TestResilient_CloseClosesAll(t *testing.T) {
	t.Parallel()

	primary := &failingTransport{}
	fallback := &failingTransport{}
	r := NewResilient(primary, "primary", resilience.Config{})
	r.AddFallback("fallback", fallback)

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !primary.closed || !fallback.closed {
		t.Error("Close() did not reach every transport")
	}
}
