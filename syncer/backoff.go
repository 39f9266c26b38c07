package syncer

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy computes the delay before retrying a drain that failed as a
// whole: base, 2×base, 4×base, ... capped at max. It carries no jitter so the
// schedule is predictable.
type retryPolicy struct {
	mu       sync.Mutex
	b        *backoff.ExponentialBackOff
	failures int
}

func newRetryPolicy(base, max time.Duration) *retryPolicy {
	p := &retryPolicy{}
	p.configure(base, max)
	return p
}

func (p *retryPolicy) configure(base, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.Reset()
	p.b = b
	p.failures = 0
}

// next records a failure and returns the delay before the next attempt.
func (p *retryPolicy) next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.b.NextBackOff()
}

// reset clears the failure streak after a successful drain.
func (p *retryPolicy) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.b.Reset()
}

// consecutiveFailures returns the current failure streak.
func (p *retryPolicy) consecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
