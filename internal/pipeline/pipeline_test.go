package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harwick/trendscope/internal/cache"
	"github.com/harwick/trendscope/internal/fetch"
	"github.com/harwick/trendscope/internal/fingerprint"
	"github.com/harwick/trendscope/internal/parse"
	"github.com/harwick/trendscope/internal/query"
	"github.com/harwick/trendscope/pkg/ratelimit"
)

// stubStrategy serves canned responses without touching the network.
type stubStrategy struct {
	name  string
	cost  fetch.CostClass
	calls atomic.Int64
	fn    func(url string) (*fetch.Response, error)
}

func (s *stubStrategy) Name() string          { return s.name }
func (s *stubStrategy) Cost() fetch.CostClass { return s.cost }

func (s *stubStrategy) Fetch(ctx context.Context, url string, hdr http.Header) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	return s.fn(url)
}

func okResponse(body string) func(string) (*fetch.Response, error) {
	return func(string) (*fetch.Response, error) {
		return &fetch.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       []byte(body),
			Elapsed:    10 * time.Millisecond,
		}, nil
	}
}

const itemsHTML = `<html><body><ul>
<li><span class="name">lint remover</span><span class="count">1,200 sold</span></li>
<li><span class="name">phone grip</span><span class="count">900 sold</span></li>
</ul></body></html>`

func itemsSchema() parse.Schema {
	return parse.Schema{
		Name:   "items",
		Doc:    parse.DocHTML,
		Rows:   "li",
		Key:    "name",
		Value:  "orders",
		Fields: []parse.Field{
			{Name: "name", Selector: "span.name", Type: parse.TypeText, Required: true},
			{Name: "orders", Selector: "span.count", Type: parse.TypeNumber, Pattern: `([\d,]+)\s+sold`},
		},
	}
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = cache.NewMemory(0)
	}
	if cfg.Schemas == nil {
		cfg.Schemas = map[string]parse.Schema{"items": itemsSchema()}
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func mustPage(t *testing.T, url string) query.Query {
	t.Helper()
	q, err := query.NewPage(url, "items")
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	return q
}

func TestRun_PageQuery(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("state = %s, want done", res.State)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
	if res.Records[0].Key != "lint remover" || res.Records[0].Value != 1200 {
		t.Errorf("first record = %+v", res.Records[0])
	}
	if res.CacheHit {
		t.Error("first run must not be a cache hit")
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != query.OutcomeSuccess {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

// Pages fetched with configured terms report where those terms appear
// in the body, case-insensitively. Cache hits have no body to scan.
func TestRun_TermMatches(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain, Terms: []string{"Lint Remover", "heated blanket"}})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.TermMatches) != 1 {
		t.Fatalf("matches = %+v, want only the term present in the body", res.TermMatches)
	}
	if m := res.TermMatches[0]; m.Term != "Lint Remover" || m.Count != 1 {
		t.Errorf("match = %+v", m)
	}

	res2, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !res2.CacheHit {
		t.Fatal("second run must hit the cache")
	}
	if len(res2.TermMatches) != 0 {
		t.Errorf("cache hit matches = %+v, want none", res2.TermMatches)
	}
}

// Two runs of the same query must fetch once; the second is served from
// the cache with no attempts.
func TestRun_CacheIdempotence(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	q := mustPage(t, "https://shop.example.com/hot")
	first, err := o.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := strategy.calls.Load(); got != 1 {
		t.Errorf("strategy called %d times, want 1", got)
	}
	if !second.CacheHit {
		t.Error("second run must hit the cache")
	}
	if len(second.Attempts) != 0 {
		t.Errorf("cached run recorded %d attempts, want 0", len(second.Attempts))
	}
	if len(second.Records) != len(first.Records) {
		t.Errorf("cached records %d != fetched records %d", len(second.Records), len(first.Records))
	}
}

// The chain escalates cheapest first and stops at the first success.
func TestRun_FallbackOrdering(t *testing.T) {
	browser := &stubStrategy{name: "browser", cost: fetch.CostHigh, fn: okResponse(itemsHTML)}
	challenge := &stubStrategy{name: "challenge", cost: fetch.CostMedium, fn: okResponse(itemsHTML)}
	plain := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: func(string) (*fetch.Response, error) {
		return nil, &fetch.BlockedError{Vendor: "cloudflare"}
	}}

	// Registration order is deliberately shuffled.
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, browser, plain, challenge)
	o := newOrchestrator(t, Config{Chain: chain})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := []string{res.Attempts[0].Strategy, res.Attempts[1].Strategy}; got[0] != "plain" || got[1] != "challenge" {
		t.Errorf("attempt order = %v, want plain then challenge", got)
	}
	if browser.calls.Load() != 0 {
		t.Error("browser must not run when a cheaper strategy succeeds")
	}
}

func TestRun_RateDenialSurfaces(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	limiter := ratelimit.NewLimiter(ratelimit.Budget{Limit: 0, Window: time.Minute})
	o := newOrchestrator(t, Config{Chain: chain, Limiter: limiter})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))

	var rateErr *ratelimit.RateError
	if !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want *ratelimit.RateError", err)
	}
	if rateErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rateErr.RetryAfter)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if strategy.calls.Load() != 0 {
		t.Error("denied query must not reach the chain")
	}
}

// Malformed content is terminal; the orchestrator must not refetch.
func TestRun_MalformedContentNotRetried(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow,
		fn: okResponse("<html><body><ul><li><span class=\"count\">5 sold</span></li></ul></body></html>")}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))

	var malformed *parse.MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want *parse.MalformedError", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if got := strategy.calls.Load(); got != 1 {
		t.Errorf("strategy called %d times, want 1", got)
	}

	// A failed query stays failed; nothing was cached.
	res2, err2 := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))
	if err2 == nil || res2.CacheHit {
		t.Error("failed query result must not be cached")
	}
}

func TestRun_RobotsVeto(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: func(url string) (*fetch.Response, error) {
		if strings.HasSuffix(url, "/robots.txt") {
			return okResponse("User-agent: *\nDisallow: /hot\n")(url)
		}
		return okResponse(itemsHTML)(url)
	}}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	robots := fetch.NewRobotsAuditor(strategy, nil)
	o := newOrchestrator(t, Config{Chain: chain, Robots: robots})

	if _, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot")); err == nil {
		t.Fatal("expected disallowed path to fail")
	}

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/cold"))
	if err != nil {
		t.Fatalf("allowed path: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("state = %s, want done", res.State)
	}
}

func TestRun_UnknownSchema(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	q, _ := query.NewPage("https://shop.example.com/hot", "no-such-schema")
	if _, err := o.Run(context.Background(), q); err == nil {
		t.Fatal("expected error for unknown schema")
	}
	if strategy.calls.Load() != 0 {
		t.Error("unknown schema must fail before fetching")
	}
}

// Exhausting every strategy yields UnreachableError with the full
// attempt history.
func TestRun_Unreachable(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: func(string) (*fetch.Response, error) {
		return nil, &fetch.BlockedError{Vendor: "datadome"}
	}}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	res, err := o.Run(context.Background(), mustPage(t, "https://shop.example.com/hot"))

	var unreachable *fetch.UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want *fetch.UnreachableError", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if len(res.Attempts) == 0 {
		t.Error("failure must keep the attempt history")
	}
}

func TestRunAll_Isolation(t *testing.T) {
	var served atomic.Int64
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: func(url string) (*fetch.Response, error) {
		if strings.Contains(url, "blocked") {
			return nil, &fetch.BlockedError{Vendor: "akamai"}
		}
		served.Add(1)
		return okResponse(itemsHTML)(url)
	}}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	queries := []query.Query{
		mustPage(t, "https://shop.example.com/a"),
		mustPage(t, "https://shop.example.com/blocked"),
		mustPage(t, "https://shop.example.com/b"),
	}
	results := o.RunAll(context.Background(), queries, 2)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Results align with input order.
	for i, res := range results {
		if res == nil {
			t.Fatalf("result %d is nil", i)
		}
		if res.Query.URL != queries[i].URL {
			t.Errorf("result %d is for %s, want %s", i, res.Query.URL, queries[i].URL)
		}
	}
	if results[0].State != StateDone || results[2].State != StateDone {
		t.Error("healthy queries must finish despite a failing sibling")
	}
	if results[1].State != StateFailed {
		t.Errorf("blocked query state = %s, want failed", results[1].State)
	}
	if served.Load() != 2 {
		t.Errorf("served %d pages, want 2", served.Load())
	}
}

func TestRun_Cancellation(t *testing.T) {
	strategy := &stubStrategy{name: "plain", cost: fetch.CostLow, fn: okResponse(itemsHTML)}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, strategy)
	o := newOrchestrator(t, Config{Chain: chain})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx, mustPage(t, "https://shop.example.com/hot"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
	if strategy.calls.Load() != 0 {
		t.Error("cancelled query must not invoke a strategy")
	}
}

// Plain end-to-end path over a real HTTP server, using the actual plain
// strategy rather than a stub.
func TestRun_EndToEnd(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, itemsHTML)
	}))
	defer srv.Close()

	plain, err := fetch.NewPlain(fetch.PlainConfig{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
	})
	if err != nil {
		t.Fatalf("NewPlain: %v", err)
	}
	chain := fetch.NewChain(fetch.DefaultRetryPolicy(), nil, plain)
	o := newOrchestrator(t, Config{Chain: chain})

	q := mustPage(t, srv.URL+"/listing")
	res, err := o.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || len(res.Records) != 2 {
		t.Fatalf("state=%s records=%d", res.State, len(res.Records))
	}

	if _, err := o.Run(context.Background(), q); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}
