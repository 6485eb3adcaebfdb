package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often one strategy is retried on transient
// network failures before the chain escalates. It owns no clock state and
// is independently testable without network I/O.
type RetryPolicy struct {
	// MaxAttempts counts the first try; 3 means two retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy mirrors the backoff most targets tolerate without
// escalating their own defenses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	return p
}

// backoff builds the context-aware exponential backoff for one strategy's
// retry loop.
func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
	)
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.MaxAttempts-1)), ctx)
}
