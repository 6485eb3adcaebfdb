package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harwick/trendscope/internal/bypass"
	"github.com/harwick/trendscope/internal/fingerprint"
	"github.com/harwick/trendscope/pkg/httpclient"
	"github.com/harwick/trendscope/pkg/useragent"
)

// ChallengeConfig configures the challenge-solving strategy.
type ChallengeConfig struct {
	Timeout      time.Duration
	Fingerprint  fingerprint.Profile
	UAPool       *useragent.Pool
	MaxSolves    int           // solve rounds per fetch, default 2
	MaxWait      time.Duration // cap on how long one challenge may demand, default 15s
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Challenge handles interstitial wait-and-retry pages: it keeps a cookie
// jar, honors the delay the challenge demands, and replays the request so
// the issued clearance cookie rides along. Harder challenges (captcha,
// proof-of-work it cannot evaluate) still come back blocked.
type Challenge struct {
	cfg    ChallengeConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewChallenge builds the strategy. The client keeps one cookie jar for
// its lifetime; clearance cookies survive across fetches to the same host.
func NewChallenge(cfg ChallengeConfig) (*Challenge, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.MaxSolves <= 0 {
		cfg.MaxSolves = 2
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: 10,
		UseCookieJar: true,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: create client: %w", err)
	}

	return &Challenge{cfg: cfg, client: client, logger: cfg.Logger}, nil
}

func (c *Challenge) Name() string    { return "challenge" }
func (c *Challenge) Cost() CostClass { return CostMedium }

// Fetch retrieves the URL, transparently working through solvable
// challenge pages. A single fetch performs at most MaxSolves solve
// rounds before giving up as blocked.
func (c *Challenge) Fetch(ctx context.Context, targetURL string, hdr http.Header) (*Response, error) {
	start := time.Now()
	ua := c.cfg.UAPool.Next()

	for round := 0; ; round++ {
		status, header, body, finalURL, err := c.request(ctx, targetURL, ua, hdr)
		if err != nil {
			return nil, err
		}

		detected, vendor := bypass.Classify(status, header, body)
		solvable, delaySecs := bypass.Solvable(status, header, body)

		if !detected && !solvable {
			if status == http.StatusTooManyRequests || status == http.StatusForbidden {
				return nil, &BlockedError{}
			}
			return &Response{
				StatusCode: status,
				Header:     header,
				Body:       body,
				FinalURL:   finalURL,
				Elapsed:    time.Since(start),
			}, nil
		}

		if !solvable || round >= c.cfg.MaxSolves {
			return nil, &BlockedError{Vendor: vendor}
		}

		wait := time.Duration(delaySecs) * time.Second
		if wait > c.cfg.MaxWait {
			return nil, &BlockedError{Vendor: vendor}
		}

		c.logger.Debug("challenge page encountered, waiting before replay",
			"url", targetURL, "vendor", vendor, "wait", wait, "round", round+1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		// Replay with whatever cookies the challenge response set.
	}
}

func (c *Challenge) request(ctx context.Context, targetURL, ua string, hdr http.Header) (int, http.Header, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return 0, nil, nil, "", fmt.Errorf("fetch: build request: %w", err)
	}

	// The identity must stay stable across solve rounds or the clearance
	// cookie is rejected.
	req.Header = useragent.Headers(ua)
	for k, vals := range hdr {
		req.Header[k] = vals
	}

	resp, err := c.client.Do(req.Context(), req)
	if err != nil {
		return 0, nil, nil, "", classifyTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return 0, nil, nil, "", classifyTransportErr(err)
	}

	return resp.StatusCode, resp.Header, body, resp.Request.URL.String(), nil
}
