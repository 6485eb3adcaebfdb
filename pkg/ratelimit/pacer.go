package ratelimit

import (
	"context"
	"math/rand"
	"time"
)

// Pacer spaces successive operations by a fixed interval with optional
// jitter. It complements Admit: the budget decides whether a request may
// go out at all, the pacer spreads admitted requests over the window so
// targets do not see machine-gun timing. Safe for concurrent use.
type Pacer struct {
	ticker   *time.Ticker
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
	ch       <-chan time.Time
}

// NewPacer creates a pacer issuing at most rps operations per second.
// If rps <= 0 the pacer never blocks. Jitter outside [0,1] is clamped.
func NewPacer(rps float64, jitter float64) *Pacer {
	if rps <= 0 {
		return &Pacer{jitter: jitter}
	}

	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	interval := time.Duration(float64(time.Second) / rps)
	ticker := time.NewTicker(interval)

	return &Pacer{
		ticker:   ticker,
		jitter:   jitter,
		interval: interval,
		ch:       ticker.C,
	}
}

// Wait blocks until the next slot, or until the context is canceled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.ch == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ch:
		if p.jitter > 0 {
			jitterFactor := (rand.Float64() * 2) - 1.0 // -1.0 to 1.0
			jitterDuration := time.Duration(float64(p.interval) * p.jitter * jitterFactor)

			// Negative jitter would mean firing early, which the ticker
			// already forbids, so only the positive half sleeps extra.
			if jitterDuration > 0 {
				select {
				case <-time.After(jitterDuration):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}

// Stop releases the pacer's ticker.
func (p *Pacer) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}
