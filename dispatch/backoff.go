package dispatch

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff grows the delay between failed cycles by factor up to
// max, with +/- jitter. It never gives up; the dispatcher decides when to stop.
type ExponentialBackoff struct {
	mu       sync.Mutex
	policy   *backoff.ExponentialBackOff
	attempts int
}

func NewExponentialBackoff(initial, max time.Duration, factor, jitter float64) *ExponentialBackoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if factor <= 1 {
		factor = 2.0
	}
	if jitter < 0 || jitter > 1 {
		jitter = 0.1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = max
	policy.Multiplier = factor
	policy.RandomizationFactor = jitter
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &ExponentialBackoff{policy: policy}
}

// Next returns the delay for the current attempt and advances.
func (b *ExponentialBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.policy.NextBackOff()
}

func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy.Reset()
	b.attempts = 0
}

func (b *ExponentialBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
