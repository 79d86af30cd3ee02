package channels

import (
	"math/rand"
	"time"

	"github.com/dexterhq/dexter/internal/config"
)

const (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 30 * time.Second
)

// Backoff computes reconnect delays for a channel transport. The zero
// value doubles from one second up to thirty and never gives up.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int     // 0 = retry forever
	Jitter      float64 // 0..1 fraction of the delay added at random

	rnd func(n int64) int64 // swapped in tests
}

// NewBackoff builds a Backoff from the gateway reconnect config.
func NewBackoff(cfg config.ReconnectConfig) Backoff {
	b := Backoff{
		Min:         time.Duration(cfg.MinDelayMs) * time.Millisecond,
		Max:         time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      cfg.Jitter,
	}
	return b
}

// Delay returns the wait before reconnect attempt (1-based) and whether
// the caller should keep trying. Past MaxAttempts it returns (0, false).
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	min := b.Min
	if min <= 0 {
		min = defaultBackoffMin
	}
	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	if max < min {
		max = min
	}

	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	if b.Jitter > 0 {
		rnd := b.rnd
		if rnd == nil {
			rnd = rand.Int63n
		}
		span := int64(float64(d) * b.Jitter)
		if span > 0 {
			d += time.Duration(rnd(span + 1))
		}
	}
	return d, true
}
