package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient step failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Minute,
	}
}

// Delay returns the wait before the given retry, counting from 1. No jitter is applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}

	return delay
}

// Allows reports whether another attempt may follow the given number of failed attempts.
func (p RetryPolicy) Allows(failedAttempts int) bool {
	return failedAttempts < p.MaxAttempts
}
