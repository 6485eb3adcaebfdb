// Package pipeline orchestrates the acquisition of one query end to end:
// cache lookup, rate admission, fetch through the strategy chain, content
// extraction, and cache write-back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harwick/trendscope/internal/cache"
	"github.com/harwick/trendscope/internal/fetch"
	"github.com/harwick/trendscope/internal/metrics"
	"github.com/harwick/trendscope/internal/parse"
	"github.com/harwick/trendscope/internal/query"
	"github.com/harwick/trendscope/internal/trends"
	"github.com/harwick/trendscope/pkg/ratelimit"
)

// State is where a query's processing currently stands. Terminal states
// are Done and Failed.
type State string

const (
	StatePending    State = "pending"
	StateCacheCheck State = "cache_check"
	StateFetching   State = "fetching"
	StateParsing    State = "parsing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Result is the outcome of running one query.
type Result struct {
	Query    query.Query
	State    State
	Records  []query.Record
	Attempts []query.FetchAttempt
	// TermMatches reports configured term mentions found in the fetched
	// page body. Empty on cache hits, only the extracted records are
	// cached.
	TermMatches []parse.TermMatch
	CacheHit    bool
	Elapsed     time.Duration
	Err         error
}

// Config wires the orchestrator's collaborators. Chain and Store are
// required; Trends may be nil when only page queries run.
type Config struct {
	Chain   *fetch.Chain
	Trends  *trends.Client
	Store   cache.Store
	Limiter *ratelimit.Limiter
	Schemas map[string]parse.Schema

	// Terms, when set, are scanned for in every fetched page body and
	// reported on the result as sentence-level matches.
	Terms []string

	// Robots, when set, vetoes page fetches the target's robots.txt
	// disallows.
	Robots *fetch.RobotsAuditor

	// PageValidity and TrendsValidity set how long cached results stay
	// fresh per query class. Zero means an hour for pages, a day for
	// trends.
	PageValidity   time.Duration
	TrendsValidity time.Duration

	Logger *slog.Logger
}

// Orchestrator runs queries through the acquisition stages.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the wiring and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("pipeline: chain is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.PageValidity <= 0 {
		cfg.PageValidity = time.Hour
	}
	if cfg.TrendsValidity <= 0 {
		cfg.TrendsValidity = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// Run takes one query from Pending to a terminal state. A fresh cache
// entry short-circuits to Done with zero attempts. Rate and quota
// denials surface unchanged so the caller sees the retry-after; the
// orchestrator never retries a failed query itself.
func (o *Orchestrator) Run(ctx context.Context, q query.Query) (*Result, error) {
	start := time.Now()
	res := &Result{Query: q, State: StatePending}

	finish := func(state State, err error) (*Result, error) {
		res.State = state
		res.Err = err
		res.Elapsed = time.Since(start)
		metrics.RecordAttempts(res.Attempts)
		metrics.QueriesTotal.WithLabelValues(string(q.Kind), string(state)).Inc()
		return res, err
	}

	res.State = StateCacheCheck
	fp := q.Fingerprint()
	if entry, ok, err := o.cfg.Store.Get(ctx, fp); err != nil {
		o.logger.Warn("cache lookup failed", "fingerprint", fp, "error", err)
	} else if ok {
		metrics.CacheEventsTotal.WithLabelValues("hit").Inc()
		res.Records = entry.Records
		res.CacheHit = true
		return finish(StateDone, nil)
	} else {
		metrics.CacheEventsTotal.WithLabelValues("miss").Inc()
	}

	res.State = StateFetching
	var (
		records []query.Record
		err     error
	)
	switch q.Kind {
	case query.KindTrends:
		records, err = o.runTrends(ctx, q, res)
	case query.KindPage:
		records, err = o.runPage(ctx, q, res)
	default:
		return finish(StateFailed, fmt.Errorf("pipeline: unknown query kind %q", q.Kind))
	}
	if err != nil {
		return finish(StateFailed, err)
	}

	res.Records = records
	if err := o.cfg.Store.Put(ctx, fp, records, o.validityFor(q.Kind)); err != nil {
		// A cache write failure degrades to uncached operation.
		o.logger.Warn("cache write failed", "fingerprint", fp, "error", err)
	}
	return finish(StateDone, nil)
}

func (o *Orchestrator) runPage(ctx context.Context, q query.Query, res *Result) ([]query.Record, error) {
	schema, ok := o.cfg.Schemas[q.Schema]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown schema %q", q.Schema)
	}

	if o.cfg.Limiter != nil {
		if err := o.admit(q.Host()); err != nil {
			return nil, err
		}
	}

	if o.cfg.Robots != nil {
		allowed, err := o.cfg.Robots.IsAllowed(ctx, q.URL, "trendscope")
		if err != nil {
			o.logger.Warn("robots check failed, proceeding", "url", q.URL, "error", err)
		} else if !allowed {
			return nil, fmt.Errorf("pipeline: robots.txt disallows %s", q.URL)
		}
	}

	resp, attempts, err := o.cfg.Chain.Fetch(ctx, q.URL, nil)
	res.Attempts = append(res.Attempts, attempts...)
	if err != nil {
		return nil, err
	}

	if len(o.cfg.Terms) > 0 {
		res.TermMatches = parse.FindTerms(string(resp.Body), o.cfg.Terms)
	}

	res.State = StateParsing
	records, err := parse.Extract(schema, resp.Body, "page")
	if err != nil {
		// Malformed content is a property of the source, not of the
		// attempt; retrying the fetch cannot fix it.
		return nil, err
	}
	return records, nil
}

func (o *Orchestrator) runTrends(ctx context.Context, q query.Query, res *Result) ([]query.Record, error) {
	if o.cfg.Trends == nil {
		return nil, fmt.Errorf("pipeline: no trends client configured")
	}
	records, attempts, err := o.cfg.Trends.InterestOverTime(ctx, q)
	res.Attempts = append(res.Attempts, attempts...)
	if err != nil {
		var quotaErr *ratelimit.QuotaError
		if errors.As(err, &quotaErr) {
			metrics.RateDenialsTotal.WithLabelValues(quotaErr.Host, "quota").Inc()
		}
		return nil, err
	}
	return records, nil
}

func (o *Orchestrator) admit(host string) error {
	err := o.cfg.Limiter.Admit(host)
	if err == nil {
		return nil
	}
	class := "generic"
	var quotaErr *ratelimit.QuotaError
	if errors.As(err, &quotaErr) {
		class = "quota"
	}
	metrics.RateDenialsTotal.WithLabelValues(host, class).Inc()
	return err
}

func (o *Orchestrator) validityFor(kind query.Kind) time.Duration {
	if kind == query.KindTrends {
		return o.cfg.TrendsValidity
	}
	return o.cfg.PageValidity
}

// RunAll executes queries concurrently with at most limit in flight.
// Each query is isolated; one failure neither cancels nor reorders its
// siblings. Results come back in input order, failed ones with their
// error recorded.
func (o *Orchestrator) RunAll(ctx context.Context, queries []query.Query, limit int) []*Result {
	if limit <= 0 {
		limit = 4
	}
	results := make([]*Result, len(queries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, q := range queries {
		g.Go(func() error {
			res, err := o.Run(gCtx, q)
			if err != nil {
				o.logger.Warn("query failed",
					"kind", q.Kind,
					"fingerprint", q.Fingerprint(),
					"error", err)
			}
			results[i] = res
			// Failures stay in the result; returning them would cancel
			// sibling queries through the group context.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
