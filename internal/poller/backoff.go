package poller

import (
	"errors"
	"time"
)

// Backoff is the reconnect policy: a fixed delay table capped by a maximum
// attempt count. It holds no timers, so it is testable without a clock.
type Backoff struct {
	Delays      []time.Duration
	MaxAttempts int
}

func DefaultBackoff() *Backoff {
	return &Backoff{
		Delays:      []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		MaxAttempts: 10,
	}
}

// NextDelay returns the wait before retry number attempt (1-based). Attempts
// past the table reuse its last entry.
func (b *Backoff) NextDelay(attempt int) time.Duration {
	if len(b.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b.Delays) {
		return b.Delays[len(b.Delays)-1]
	}
	return b.Delays[attempt-1]
}

// Exhausted reports whether the poller should give up instead of retrying.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

// ShouldRetry classifies an error. Auth failures and local cancellations are
// terminal; transport failures are transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	// An http.Client timeout arrives wrapped in TransportError and still
	// matches context.DeadlineExceeded, so the wrapper is checked first:
	// a hung poll is transient.
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	// Anything else, including bare context errors from a deliberate local
	// cancel, is terminal.
	return false
}
