package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/harwick/trendscope/internal/bypass"
	"github.com/harwick/trendscope/internal/fingerprint"
	"github.com/harwick/trendscope/pkg/httpclient"
	"github.com/harwick/trendscope/pkg/proxy"
	"github.com/harwick/trendscope/pkg/ratelimit"
	"github.com/harwick/trendscope/pkg/useragent"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// PlainConfig configures the direct-request strategy.
type PlainConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	Fingerprint  fingerprint.Profile
	UAPool       *useragent.Pool
	ProxyPool    *proxy.Pool
	Pacer        *ratelimit.Pacer
	// MaxBodyBytes caps how much of a response is read. 0 means 10MB.
	MaxBodyBytes int64
}

// Plain is the cheapest strategy: a single GET with a browser TLS
// fingerprint and a rotating identity header. Fast, but the first to be
// turned away by protected targets.
type Plain struct {
	cfg    PlainConfig
	client *httpclient.Client
}

// NewPlain builds the strategy. One client lives for the strategy's
// lifetime so connection pooling works; per-request proxy rotation rides
// on the request context instead of swapping transports.
func NewPlain(cfg PlainConfig) (*Plain, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		if req.URL.Hostname() == "127.0.0.1" || req.URL.Hostname() == "localhost" {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("fetch: setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: create client: %w", err)
	}

	return &Plain{cfg: cfg, client: client}, nil
}

func (p *Plain) Name() string    { return "plain" }
func (p *Plain) Cost() CostClass { return CostLow }

// Fetch executes a single GET. Responses served by a protection vendor
// come back as *BlockedError; HTTP error statuses without a vendor
// signature are returned as plain responses for the caller to judge.
func (p *Plain) Fetch(ctx context.Context, targetURL string, hdr http.Header) (*Response, error) {
	if p.cfg.Pacer != nil {
		if err := p.cfg.Pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}

	var activeProxy *url.URL
	if p.cfg.ProxyPool != nil {
		if activeProxy = p.cfg.ProxyPool.Next(); activeProxy != nil {
			req = req.WithContext(context.WithValue(req.Context(), proxyKey, activeProxy))
		}
	}

	req.Header = useragent.Headers(p.cfg.UAPool.Next())
	for k, vals := range hdr {
		req.Header[k] = vals
	}

	resp, err := p.client.Do(req.Context(), req)
	if err != nil {
		if activeProxy != nil {
			_ = p.cfg.ProxyPool.MarkFailure(activeProxy)
		}
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = p.cfg.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	if detected, vendor := bypass.Classify(resp.StatusCode, resp.Header, body); detected {
		return nil, &BlockedError{Vendor: vendor}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		// No vendor signature, but the target is refusing us all the same.
		return nil, &BlockedError{}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
		Elapsed:    time.Since(start),
	}, nil
}
