package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// entry tracks one proxy endpoint's health.
type entry struct {
	url           *url.URL
	failures      int
	successes     int
	lastUsed      time.Time
	disabled      bool
	disabledUntil time.Time
}

// Pool rotates outbound requests across a set of proxies, disabling ones
// that keep failing for a cooldown period.
type Pool struct {
	mu          sync.Mutex
	order       []*entry
	byKey       map[string]*entry
	cursor      int
	maxFailures int
	cooldown    time.Duration
}

// Config defines pool behavior.
type Config struct {
	// MaxFailures before a proxy is benched.
	MaxFailures int
	// Cooldown is how long a benched proxy sits out.
	Cooldown time.Duration
}

// NewPool creates an empty pool; zero config fields get defaults.
func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Pool{
		byKey:       make(map[string]*entry),
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
	}
}

// LoadFile reads proxies from a file, one URL per line. Blank lines and
// '#' comments are skipped.
func (p *Pool) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	return p.Add(urls...)
}

// Add parses raw URLs and appends them to the rotation. A missing scheme
// defaults to http.
func (p *Pool) Add(rawURLs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, raw := range rawURLs {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		e := &entry{url: u}
		p.order = append(p.order, e)
		p.byKey[u.String()] = e
	}
	return nil
}

// Next returns the next healthy proxy, reviving benched proxies whose
// cooldown has elapsed. Returns nil when the pool is empty or every proxy
// is benched.
func (p *Pool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return nil
	}

	now := time.Now()
	for i := 0; i < len(p.order); i++ {
		e := p.order[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.order)

		if e.disabled && now.After(e.disabledUntil) {
			e.disabled = false
			e.failures = 0
		}
		if !e.disabled {
			e.lastUsed = now
			return e.url
		}
	}
	return nil
}

// MarkSuccess records a successful request through the proxy.
func (p *Pool) MarkSuccess(proxyURL *url.URL) error {
	if proxyURL == nil {
		return errors.New("proxy: url cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[proxyURL.String()]
	if !ok {
		return errors.New("proxy: not found in pool")
	}

	e.successes++
	if e.failures > 0 {
		e.failures--
	}
	return nil
}

// MarkFailure records a failure; past the threshold the proxy is benched
// for the cooldown duration.
func (p *Pool) MarkFailure(proxyURL *url.URL) error {
	if proxyURL == nil {
		return errors.New("proxy: url cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[proxyURL.String()]
	if !ok {
		return errors.New("proxy: not found in pool")
	}

	e.failures++
	if e.failures >= p.maxFailures {
		e.disabled = true
		e.disabledUntil = time.Now().Add(p.cooldown)
	}
	return nil
}

// Len reports how many proxies are loaded, healthy or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
