package engine

import (
	"math/rand"
	"time"

	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// Decision is the retry controller's verdict on a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed item gets another attempt.
// attempts is the number of attempts already made, including the failed one.
type RetryPolicy interface {
	Decide(class model.ErrorClass, attempts int) Decision
}

// FixedDelayPolicy retries retryable failures after a constant delay until
// MaxRetries retries have been spent.
type FixedDelayPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func (p FixedDelayPolicy) Decide(class model.ErrorClass, attempts int) Decision {
	if !class.Retryable() || attempts > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay}
}

// JitterBackoffPolicy retries with exponential backoff and ±20% jitter.
// Rate-limited attempts start from twice the base delay.
type JitterBackoffPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration

	// rand returns a value in [0, 1). Nil uses math/rand.
	rand func() float64
}

func (p JitterBackoffPolicy) Decide(class model.ErrorClass, attempts int) Decision {
	if !class.Retryable() || attempts > p.MaxRetries {
		return Decision{}
	}

	backoff := p.Base
	if backoff <= 0 {
		backoff = time.Second
	}
	if class == model.ClassRateLimit {
		backoff *= 2
	}
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if p.Max > 0 && backoff >= p.Max {
			backoff = p.Max
			break
		}
	}
	if p.Max > 0 && backoff > p.Max {
		backoff = p.Max
	}

	r := rand.Float64
	if p.rand != nil {
		r = p.rand
	}
	jittered := time.Duration(float64(backoff) * (0.8 + r()*0.4))
	return Decision{Retry: true, Delay: jittered}
}

// NewRetryPolicy builds the policy named by strategy ("fixed" or "jitter").
func NewRetryPolicy(strategy string, maxRetries int, delay, maxDelay time.Duration) RetryPolicy {
	if strategy == "jitter" {
		return JitterBackoffPolicy{MaxRetries: maxRetries, Base: delay, Max: maxDelay}
	}
	return FixedDelayPolicy{MaxRetries: maxRetries, Delay: delay}
}
