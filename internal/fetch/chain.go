package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/harwick/trendscope/internal/query"
)

// Chain tries strategies in ascending cost order until one succeeds.
// Transient network failures retry the same strategy under the retry
// policy; blocked and timed-out attempts escalate to the next strategy.
// Attempts are strictly sequential so a cheap strategy that would have
// succeeded never pays for a browser launch.
type Chain struct {
	strategies []Strategy
	policy     RetryPolicy
	logger     *slog.Logger
}

// NewChain builds a chain from the given strategies, ordering them by
// cost. The order of equal-cost strategies is preserved.
func NewChain(policy RetryPolicy, logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Cost() < ordered[j].Cost()
	})
	return &Chain{strategies: ordered, policy: policy, logger: logger}
}

// Strategies returns the chain's strategies in attempt order.
func (c *Chain) Strategies() []Strategy {
	out := make([]Strategy, len(c.strategies))
	copy(out, c.strategies)
	return out
}

// Fetch resolves the URL through the chain. It returns the first
// successful response along with every attempt made on the way. When all
// strategies exhaust, the error is an *UnreachableError carrying the
// attempt history.
func (c *Chain) Fetch(ctx context.Context, targetURL string, hdr http.Header) (*Response, []query.FetchAttempt, error) {
	if len(c.strategies) == 0 {
		return nil, nil, errors.New("fetch: chain has no strategies")
	}

	var attempts []query.FetchAttempt

	for _, s := range c.strategies {
		resp, strategyAttempts, err := c.tryStrategy(ctx, s, targetURL, hdr)
		attempts = append(attempts, strategyAttempts...)

		if err == nil {
			return resp, attempts, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, attempts, err
		}

		c.logger.Debug("strategy exhausted, escalating",
			"strategy", s.Name(), "url", targetURL, "err", err)
	}

	return nil, attempts, &UnreachableError{URL: targetURL, Attempts: attempts}
}

// tryStrategy runs one strategy with retry-on-transient semantics.
func (c *Chain) tryStrategy(ctx context.Context, s Strategy, targetURL string, hdr http.Header) (*Response, []query.FetchAttempt, error) {
	var attempts []query.FetchAttempt
	var resp *Response

	operation := func() error {
		start := time.Now()
		r, err := s.Fetch(ctx, targetURL, hdr)

		attempt := query.FetchAttempt{
			Strategy: s.Name(),
			Outcome:  OutcomeOf(err),
			Latency:  time.Since(start),
		}
		if r != nil {
			attempt.StatusCode = r.StatusCode
		}
		if err != nil {
			attempt.Err = err.Error()
			var blocked *BlockedError
			if errors.As(err, &blocked) {
				attempt.Vendor = blocked.Vendor
			}
		}
		attempts = append(attempts, attempt)

		if err == nil {
			resp = r
			return nil
		}

		// Only transient network failures are worth retrying here;
		// everything else escalates to the next strategy immediately.
		var netErr *NetError
		if errors.As(err, &netErr) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, c.policy.backoff(ctx))
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}
