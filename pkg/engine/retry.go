package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds the retries of scheduler-transient operations.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns the policy used for batch scheduler calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

// Backoff calculates exponential backoff with a fixed jitter of +12.5%.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retries are exhausted. Exhausted transient errors are downgraded to an
// execution error. onRetry, if set, is called before every retry.
// It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error, onRetry func(attempt int, err error)) (int, error) {
	var err error
	attempt := 0
	for ; attempt <= p.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return attempt + 1, err
		}
		if attempt == p.MaxRetries {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		}
	}
	return attempt + 1, NewExecutionError(
		fmt.Sprintf("%s failed after %d attempts", op, attempt+1), err,
	).WithCode(ErrCodeRetryExhausted)
}
