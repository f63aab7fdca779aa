// Retry classification for transport-level failures. QA failures never pass
// through here; they are handled by the corrective loop.
package domain

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy defines transport retry behavior for model and registry calls.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	Multiplier    float64
	JitterFrac    float64
	MaxDelay      time.Duration
	NonRetryable  []error
	RetryableOnly []error
}

// DefaultRetryPolicy matches the worker budget: 3 retries, exponential
// backoff base 1s, factor 2, jitter ±25%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.25,
		MaxDelay:     30 * time.Second,
		NonRetryable: []error{
			ErrInvalidArgument,
			ErrNotFound,
			ErrConflict,
			ErrSchemaInvalid,
			ErrNonRetryable,
		},
	}
}

// Retryable reports whether err is worth another transport attempt.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range p.NonRetryable {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	if len(p.RetryableOnly) > 0 {
		for _, sentinel := range p.RetryableOnly {
			if errors.Is(err, sentinel) {
				return true
			}
		}
		return false
	}
	return true
}

// Delay returns the backoff for the given zero-based attempt, jittered.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.JitterFrac > 0 {
		// uniform in [1-j, 1+j]
		d *= 1 + p.JitterFrac*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
