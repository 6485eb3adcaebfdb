package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("default cache backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Rate.Default.Limit != 60 || cfg.Rate.Default.Window.Std() != time.Minute {
		t.Errorf("default rate budget = %+v", cfg.Rate.Default)
	}
	if cfg.Strategies.Retry.MaxAttempts != 3 {
		t.Errorf("default retry attempts = %d, want 3", cfg.Strategies.Retry.MaxAttempts)
	}
	if cfg.Trends.Timeframe != "today 1-m" {
		t.Errorf("default timeframe = %q", cfg.Trends.Timeframe)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
rate:
  default:
    limit: 10
    window: 30s
  hosts:
    shop.example.com:
      limit: 2
      window: 1m
strategies:
  plain:
    rps: 2.5
    jitter: 0.2
  challenge:
    timeout: 20s
    maxSolves: 1
  browser:
    disabled: true
trends:
  baseUrl: http://localhost:9999/trends
  geo: US
  quota:
    limit: 5
    window: 1h
cache:
  backend: sqlite
  dsn: file:cache.db
  trendsValidity: 48h
schemas:
  - name: listing
    doc: html
    rows: li.item
    key: title
    value: orders
    fields:
      - name: title
        selector: span.title
        required: true
      - name: orders
        selector: span.orders
        type: number
        pattern: '([\d,]+)\s+sold'
concurrency: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Rate.Default.Limit != 10 || cfg.Rate.Default.Window.Std() != 30*time.Second {
		t.Errorf("rate default = %+v", cfg.Rate.Default)
	}
	host, ok := cfg.Rate.Hosts["shop.example.com"]
	if !ok || host.Limit != 2 || host.Window.Std() != time.Minute {
		t.Errorf("host budget = %+v ok=%v", host, ok)
	}
	if cfg.Strategies.Challenge.Timeout.Std() != 20*time.Second || cfg.Strategies.Challenge.MaxSolves != 1 {
		t.Errorf("challenge = %+v", cfg.Strategies.Challenge)
	}
	if !cfg.Strategies.Browser.Disabled {
		t.Error("browser should be disabled")
	}
	if cfg.Strategies.Plain.Rps != 2.5 || cfg.Strategies.Plain.Jitter != 0.2 {
		t.Errorf("plain pacing = rps %v jitter %v", cfg.Strategies.Plain.Rps, cfg.Strategies.Plain.Jitter)
	}
	// Unset fields keep their defaults.
	if cfg.Strategies.Plain.Timeout.Std() != 30*time.Second {
		t.Errorf("plain timeout = %v, want default 30s", cfg.Strategies.Plain.Timeout.Std())
	}
	if cfg.Trends.BaseURL != "http://localhost:9999/trends" || cfg.Trends.Geo != "US" {
		t.Errorf("trends = %+v", cfg.Trends)
	}
	if cfg.Cache.Backend != "sqlite" || cfg.Cache.TrendsValidity.Std() != 48*time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Concurrency)
	}

	schemas := cfg.SchemaMap()
	s, ok := schemas["listing"]
	if !ok {
		t.Fatal("missing listing schema")
	}
	if len(s.Fields) != 2 || !s.Fields[0].Required {
		t.Errorf("schema fields = %+v", s.Fields)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
cache:
  backend: postgres
  dsn: postgres://file-config@localhost/trendscope
`)
	t.Setenv("TRENDSCOPE_CACHE_DSN", "postgres://env-wins@localhost/trendscope")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.DSN != "postgres://env-wins@localhost/trendscope" {
		t.Errorf("dsn = %q, env override must win", cfg.Cache.DSN)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name, body string
	}{
		{"unknown backend", "cache:\n  backend: redis\n"},
		{"sqlite without dsn", "cache:\n  backend: sqlite\n"},
		{"zero rate limit", "rate:\n  default:\n    limit: -1\n"},
		{"bad duration", "strategies:\n  plain:\n    timeout: soon\n"},
		{"jitter out of range", "strategies:\n  plain:\n    jitter: 1.5\n"},
		{"bad schema", "schemas:\n  - name: broken\n    doc: xml\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := Load(path); err == nil {
				t.Fatalf("Load accepted %s", tc.name)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
