package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// RobotsAuditor fetches and caches robots.txt per host so polite mode
// can refuse queries the target has opted out of. Fetch errors fail
// open: an unreadable robots.txt never blocks a query.
type RobotsAuditor struct {
	strategy Strategy
	logger   *slog.Logger
	mu       sync.RWMutex
	cache    map[string]*robotstxt.RobotsData
}

// NewRobotsAuditor creates an auditor that fetches robots.txt through the
// given strategy, normally the chain's cheapest tier.
func NewRobotsAuditor(s Strategy, logger *slog.Logger) *RobotsAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsAuditor{
		strategy: s,
		logger:   logger,
		cache:    make(map[string]*robotstxt.RobotsData),
	}
}

// IsAllowed reports whether the URL may be fetched under the host's
// robots.txt for the given User-Agent.
func (r *RobotsAuditor) IsAllowed(ctx context.Context, targetURL, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("fetch: invalid url: %w", err)
	}

	origin := u.Scheme + "://" + u.Host

	data, err := r.getOrFetch(ctx, origin)
	if err != nil {
		r.logger.Debug("robots.txt fetch failed, defaulting to allow", "origin", origin, "err", err)
		return true, nil
	}
	if data == nil {
		return true, nil
	}

	return data.FindGroup(userAgent).Test(u.Path), nil
}

func (r *RobotsAuditor) getOrFetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	r.mu.RLock()
	data, exists := r.cache[origin]
	r.mu.RUnlock()
	if exists {
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if data, exists = r.cache[origin]; exists {
		return data, nil
	}

	resp, err := r.strategy.Fetch(ctx, origin+"/robots.txt", nil)
	if err != nil {
		r.cache[origin] = nil
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}

	if resp.StatusCode >= 400 {
		// Missing robots.txt means no restrictions.
		r.cache[origin] = nil
		return nil, nil
	}

	parsed, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		r.cache[origin] = nil
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	r.cache[origin] = parsed
	return parsed, nil
}
