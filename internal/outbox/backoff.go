package outbox

import (
	"math"
	"time"

	"orderflow/internal/broker"
)

// RetryPolicy computes when a failed message becomes eligible again:
// base * 2^retryCount, where retryCount already includes the failed attempt.
type RetryPolicy struct {
	Base time.Duration
	// NoRouteBase applies to unroutable messages, which usually wait on a
	// consumer deploy rather than on broker recovery.
	NoRouteBase time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, NoRouteBase: time.Second, Max: time.Hour}
}

func (p RetryPolicy) Delay(outcome broker.Outcome, retryCount int) time.Duration {
	base := p.Base
	if outcome == broker.FailedNoRoute && p.NoRouteBase > 0 {
		base = p.NoRouteBase
	}
	if base <= 0 {
		base = time.Second
	}
	if retryCount < 0 {
		retryCount = 0
	}

	if retryCount >= 62 || base > time.Duration(math.MaxInt64>>uint(retryCount)) {
		return p.capped(time.Duration(math.MaxInt64))
	}
	return p.capped(base << uint(retryCount))
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
