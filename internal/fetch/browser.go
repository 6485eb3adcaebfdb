package fetch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the browser-automation strategy.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty means
	// launch a local headless instance on first use.
	RemoteURL string
	// PoolSize bounds concurrent browser sessions. Default 2.
	PoolSize int
	// NavTimeout is the hard cap on navigation plus render. Default 60s.
	NavTimeout time.Duration
	// BlockedPatterns lists URL patterns Chrome should not load. Image,
	// font and media assets are skipped by default to cut render cost.
	BlockedPatterns []string
	Logger          *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 60 * time.Second
	}
	if c.BlockedPatterns == nil {
		c.BlockedPatterns = []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.woff", "*.woff2", "*.mp4"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// browserSession is one pooled rendering session. Sessions outlive any
// single fetch, so visit takes the per-fetch context while the session
// itself stays bound to the strategy's lifetime.
type browserSession interface {
	visit(ctx context.Context, targetURL string, hdr http.Header, timeout time.Duration) (*Response, error)
	close()
}

// Browser is the most expensive strategy: it drives a rendering engine
// through a pool of stealth tabs and returns the DOM after script
// execution. Sessions are checked out for exactly one attempt; a session
// that saw a failure is discarded rather than returned.
type Browser struct {
	cfg    BrowserConfig
	logger *slog.Logger

	// ctx is the strategy's own lifetime. Chrome and the pooled tabs
	// hang off it, never off the context of the query that happened to
	// start them; cancelling one query must not kill the tier.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	started bool
	closed  bool

	pool rod.Pool[browserSession]
	// newSession creates one pooled session, launching Chrome on first
	// use. Replaceable so the pool lifecycle is testable without Chrome.
	newSession func() (browserSession, error)
}

// NewBrowser builds the strategy. Chrome is not launched until the first
// fetch needs it.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		pool:   rod.NewPool[browserSession](cfg.PoolSize),
	}
	b.newSession = b.newStealthSession
	return b
}

func (b *Browser) Name() string    { return "browser" }
func (b *Browser) Cost() CostClass { return CostHigh }

// markers that appear in fully rendered block pages; at this tier the
// HTTP status is long gone, only the DOM is left to judge.
var renderedBlockMarkers = [][]byte{
	[]byte("cf-turnstile"),
	[]byte("px-captcha"),
	[]byte("geo.captcha-delivery.com"),
	[]byte("Verify you are human"),
}

// Fetch renders the URL in a pooled session and returns the resulting
// DOM. The session is returned to the pool on success and discarded on
// any failure, including cancellation.
func (b *Browser) Fetch(ctx context.Context, targetURL string, hdr http.Header) (*Response, error) {
	start := time.Now()

	sess, err := b.pool.Get(func() (*browserSession, error) {
		s, err := b.newSession()
		if err != nil {
			return nil, err
		}
		return &s, nil
	})
	if err != nil {
		return nil, &NetError{Op: "session checkout", Err: err}
	}

	healthy := false
	defer func() {
		if healthy {
			b.pool.Put(sess)
			return
		}
		// Discard: close in the background so a wedged tab cannot hold up
		// the caller, and free the pool slot immediately.
		go (*sess).close()
		b.pool.Put(nil)
	}()

	resp, err := (*sess).visit(ctx, targetURL, hdr, b.cfg.NavTimeout)
	if err != nil {
		return nil, err
	}

	for _, marker := range renderedBlockMarkers {
		if bytes.Contains(resp.Body, marker) {
			return nil, &BlockedError{}
		}
	}

	healthy = true
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// rodSession runs one stealth tab.
type rodSession struct {
	page *rod.Page
}

func (s *rodSession) visit(ctx context.Context, targetURL string, hdr http.Header, timeout time.Duration) (*Response, error) {
	if len(hdr) > 0 {
		var flat []string
		for k, vals := range hdr {
			for _, v := range vals {
				flat = append(flat, k, v)
			}
		}
		if _, err := s.page.SetExtraHeaders(flat); err != nil {
			return nil, &NetError{Op: "set headers", Err: err}
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The clone is bound to this fetch only; s.page keeps the strategy
	// lifetime for the next checkout.
	p := s.page.Context(navCtx)
	if err := p.Navigate(targetURL); err != nil {
		return nil, classifyNavErr(ctx, navCtx, timeout, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, classifyNavErr(ctx, navCtx, timeout, err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, classifyNavErr(ctx, navCtx, timeout, err)
	}
	body := []byte(res.Value.Str())

	info, err := p.Info()
	finalURL := targetURL
	if err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       body,
		FinalURL:   finalURL,
	}, nil
}

func (s *rodSession) close() { _ = s.page.Close() }

func classifyNavErr(ctx, navCtx context.Context, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case navCtx.Err() != nil:
		return fmt.Errorf("%w: render exceeded %s", ErrTimeout, timeout)
	default:
		return &NetError{Op: "navigate", Err: err}
	}
}

// ensureStarted launches or connects Chrome exactly once, on the
// strategy's own context.
func (b *Browser) ensureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("browser strategy is closed")
	}
	if b.started {
		return nil
	}

	controlURL := b.cfg.RemoteURL
	if controlURL == "" {
		b.lnch = launcher.New().Headless(true)
		u, err := b.lnch.Context(b.ctx).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(b.ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect chrome: %w", err)
	}

	b.browser = browser
	b.started = true
	b.logger.Debug("browser strategy started", "control_url", controlURL)
	return nil
}

// newStealthSession opens a fresh stealth tab with resource blocking
// applied.
func (b *Browser) newStealthSession() (browserSession, error) {
	if err := b.ensureStarted(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("create stealth page: %w", err)
	}

	if len(b.cfg.BlockedPatterns) > 0 {
		blocked := proto.NetworkSetBlockedURLs{Urls: b.cfg.BlockedPatterns}
		if err := blocked.Call(page); err != nil {
			b.logger.Warn("resource blocking unavailable", "err", err)
		}
	}

	return &rodSession{page: page}, nil
}

// Close tears down pooled sessions, the Chrome process, and the
// strategy's lifetime context.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()

	b.pool.Cleanup(func(s *browserSession) { (*s).close() })

	if !b.started {
		return nil
	}

	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	return err
}
