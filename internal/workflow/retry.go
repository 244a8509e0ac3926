package workflow

import (
	"math/rand"
	"time"
)

type Strategy string

const (
	Exponential Strategy = "exponential"
	Fixed       Strategy = "fixed"
)

// RetryPolicy bounds how often and how patiently a task is retried.
// MaxAttempts counts the first run; values below 1 mean a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Strategy    Strategy
	// Jitter spreads each delay over [d/2, d].
	Jitter bool
}

func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffBase <= 0 || attempt < 1 {
		return 0
	}
	d := p.BackoffBase
	if p.Strategy != Fixed {
		for i := 1; i < attempt; i++ {
			if d > time.Duration(1<<61) || (p.BackoffMax > 0 && d >= p.BackoffMax) {
				break
			}
			d *= 2
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(d-half)+1))
	}
	return d
}

type CompensationPolicy string

const (
	// CompensateRelease returns reserved stock and fails the order when payment
	// permanently fails.
	CompensateRelease CompensationPolicy = "release"
	// CompensateKeep leaves stock reserved and the order in STOCK_RESERVED for
	// manual reconciliation.
	CompensateKeep CompensationPolicy = "keep"
)

// Policies configures every stage of the chain.
type Policies struct {
	Reserve      RetryPolicy
	Charge       RetryPolicy
	Invoice      RetryPolicy
	Ship         RetryPolicy
	Compensation CompensationPolicy
}

// DefaultPolicies scales the backoff bases by unit: reservation starts at 5
// units with five retries, payment at 10 units with a bounded eight attempts.
// Invoice and shipping run once.
func DefaultPolicies(unit time.Duration) Policies {
	return Policies{
		Reserve:      RetryPolicy{MaxAttempts: 6, BackoffBase: 5 * unit, BackoffMax: 600 * unit, Strategy: Exponential, Jitter: true},
		Charge:       RetryPolicy{MaxAttempts: 8, BackoffBase: 10 * unit, BackoffMax: 600 * unit, Strategy: Exponential, Jitter: true},
		Invoice:      RetryPolicy{MaxAttempts: 1},
		Ship:         RetryPolicy{MaxAttempts: 1},
		Compensation: CompensateRelease,
	}
}
