package lookup

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the attempt loop of RetryingClient.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxJitter is the upper bound of the random component added to each delay.
	MaxJitter time.Duration
}

// DefaultRetryPolicy mirrors the LOOKUP_* configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxJitter: time.Second}
}

// Jitter returns a value in [0, max).
type Jitter func(max time.Duration) time.Duration

// RandomJitter draws jitter from math/rand/v2.
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// NextDelay returns the wait before the retry that follows the given
// zero-based attempt: BaseDelay * 2^attempt plus jitter, capped at MaxDelay.
func NextDelay(p RetryPolicy, attempt int, jitter Jitter) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if jitter != nil {
		delay += jitter(p.MaxJitter)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
