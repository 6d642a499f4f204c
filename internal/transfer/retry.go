package transfer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy computes the bounded exponential backoff delay for chunk
// retries (spec.md §4.4.3/§4.4.4: "BaseRetryDelay · 2^(attempt-1)"). It
// wraps cenkalti/backoff/v4's ExponentialBackOff rather than hand-rolling
// the doubling, per REDESIGN FLAG "callback-style retry scheduling ->
// explicit event loop driven by a timer queue": the timer queue still
// needs a delay function, and this is the pack's canonical one.
type retryPolicy struct {
	base time.Duration
}

func newRetryPolicy(base time.Duration) retryPolicy {
	return retryPolicy{base: base}
}

// delayForAttempt returns the delay before the n-th retry (n counted from
// 1), i.e. base on the first retry, base*2 on the second, and so on.
// RandomizationFactor is zero: spec.md §8 demands the n-th retry be
// scheduled at >= base*2^(n-1), not a jittered approximation.
func (p retryPolicy) delayForAttempt(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour // practically unbounded; MaxChunkRetryAttempts bounds attempt count instead
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already reset the current interval to the
	// library's default; reset again so the first delay is p.base.
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
