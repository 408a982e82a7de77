package conflict

import (
	"math"
	"math/rand"
	"time"
)

// Jitter bounds applied to every computed delay when jitter is enabled
const (
	JitterMin = 0.75
	JitterMax = 1.25
)

// RetryPolicy controls both retry loops of the resolver. Version conflicts
// back off exponentially; store outages use the short StoreRetry* schedule.
// Both draw from one budget of MaxAttempts + StoreRetries calls.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	StoreRetries       int
	StoreRetryDelay    time.Duration
	StoreRetryMaxDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          100 * time.Millisecond,
		MaxDelay:           10 * time.Second,
		ExponentialBase:    2.0,
		Jitter:             true,
		StoreRetries:       3,
		StoreRetryDelay:    25 * time.Millisecond,
		StoreRetryMaxDelay: 250 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = d.ExponentialBase
	}
	if p.StoreRetries < 0 {
		p.StoreRetries = 0
	}
	if p.StoreRetryDelay <= 0 {
		p.StoreRetryDelay = d.StoreRetryDelay
	}
	if p.StoreRetryMaxDelay <= 0 {
		p.StoreRetryMaxDelay = d.StoreRetryMaxDelay
	}
	return p
}

// BaseDelayFor returns min(BaseDelay * ExponentialBase^attempt, MaxDelay),
// the delay before jitter.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// CalculateDelay returns the jittered delay for attempt (0-based).
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt, rand.Float64)
}

func (p RetryPolicy) calculateDelay(attempt int, random func() float64) time.Duration {
	d := p.BaseDelayFor(attempt)
	if !p.Jitter {
		return d
	}
	factor := JitterMin + random()*(JitterMax-JitterMin)
	jittered := time.Duration(float64(d) * factor)
	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

// MaxWait is the longest a single UpdateWithRetry can spend sleeping.
func (p RetryPolicy) MaxWait() time.Duration {
	return p.MaxDelay*time.Duration(p.MaxAttempts) + p.StoreRetryMaxDelay*time.Duration(p.StoreRetries)
}
