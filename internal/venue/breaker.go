package venue

import (
	"sync"
	"time"

	"github.com/derivbot/gotrade/internal/metrics"
)

// stormBreaker opens after threshold reconnects within window. While
// open, new sends fail fast with ErrClosed instead of queuing, and the
// dial loop waits out the cooldown.
type stormBreaker struct {
	mu        sync.Mutex
	events    []time.Time
	threshold int
	window    time.Duration
	cooldown  time.Duration
	openUntil time.Time
}

func newStormBreaker(threshold int, window, cooldown time.Duration) *stormBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &stormBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// recordReconnect registers one reconnect attempt and reports whether
// the breaker tripped on this event.
func (b *stormBreaker) recordReconnect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-b.window)
	kept := b.events[:0]
	for _, t := range b.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.events = append(kept, now)

	if len(b.events) >= b.threshold && now.After(b.openUntil) {
		b.openUntil = now.Add(b.cooldown)
		b.events = b.events[:0]
		metrics.StormBreakerTrips.Add(1)
		return true
	}
	return false
}

// isOpen reports whether the breaker is currently open.
func (b *stormBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// remaining returns how long until the breaker closes again.
func (b *stormBreaker) remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := time.Until(b.openUntil)
	if d < 0 {
		return 0
	}
	return d
}

// resetOpen closes an open breaker and clears its window. Used by the
// recovery manager when it forces a reconnect.
func (b *stormBreaker) resetOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openUntil = time.Time{}
	b.events = b.events[:0]
}

func (b *stormBreaker) state() string {
	if b.isOpen() {
		return "open"
	}
	return "closed"
}
