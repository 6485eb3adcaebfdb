// Package config loads the YAML configuration surface: rate budgets,
// strategy tuning, cache backend, extraction schemas, trends settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harwick/trendscope/internal/parse"
)

const (
	cacheDSNEnv   = "TRENDSCOPE_CACHE_DSN"
	proxyFileEnv  = "TRENDSCOPE_PROXY_FILE"
	browserURLEnv = "TRENDSCOPE_BROWSER_URL"
)

// Duration wraps time.Duration so YAML values like "45s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the stdlib type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds high-level settings required across the application.
type Config struct {
	Rate       RateConfig     `yaml:"rate"`
	Strategies StrategyConfig `yaml:"strategies"`
	Trends     TrendsConfig   `yaml:"trends"`
	Cache      CacheConfig    `yaml:"cache"`
	Proxies    ProxyConfig    `yaml:"proxies"`
	UserAgents []string       `yaml:"userAgents"`
	Metrics    MetricsConfig  `yaml:"metrics"`
	Schemas    []parse.Schema `yaml:"schemas"`
	// Concurrency bounds how many queries run at once.
	Concurrency int `yaml:"concurrency"`
	// RespectRobots vetoes page fetches that robots.txt disallows.
	RespectRobots bool `yaml:"respectRobots"`
}

// BudgetConfig is one fixed-window rate budget.
type BudgetConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RateConfig sets the default admission budget and per-host overrides.
type RateConfig struct {
	Default BudgetConfig            `yaml:"default"`
	Hosts   map[string]BudgetConfig `yaml:"hosts"`
}

// StrategyConfig tunes the three fetch tiers and their retry policy.
type StrategyConfig struct {
	Plain     PlainConfig     `yaml:"plain"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Browser   BrowserConfig   `yaml:"browser"`
	Retry     RetryConfig     `yaml:"retry"`
}

// PlainConfig parametrizes the direct-request tier.
type PlainConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxRedirects int      `yaml:"maxRedirects"`
	Fingerprint  string   `yaml:"fingerprint"`
	// Rps spreads admitted requests over time so targets never see
	// machine-gun timing. 0 disables pacing.
	Rps float64 `yaml:"rps"`
	// Jitter randomizes the pacing interval, a fraction in [0,1].
	Jitter float64 `yaml:"jitter"`
}

// ChallengeConfig parametrizes the challenge-solving tier.
type ChallengeConfig struct {
	Timeout   Duration `yaml:"timeout"`
	MaxSolves int      `yaml:"maxSolves"`
	MaxWait   Duration `yaml:"maxWait"`
}

// BrowserConfig parametrizes the browser automation tier. An empty
// RemoteURL launches a local headless browser; Disabled drops the tier
// from the chain entirely.
type BrowserConfig struct {
	Disabled   bool     `yaml:"disabled"`
	RemoteURL  string   `yaml:"remoteUrl"`
	PoolSize   int      `yaml:"poolSize"`
	NavTimeout Duration `yaml:"navTimeout"`
}

// RetryConfig shapes the per-strategy transient retry backoff.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"maxAttempts"`
	InitialInterval Duration `yaml:"initialInterval"`
	MaxInterval     Duration `yaml:"maxInterval"`
}

// TrendsConfig points at the interest-over-time provider and its quota.
type TrendsConfig struct {
	BaseURL   string       `yaml:"baseUrl"`
	Timeframe string       `yaml:"timeframe"`
	Geo       string       `yaml:"geo"`
	Quota     BudgetConfig `yaml:"quota"`
	// BatchLimit caps keywords per provider request. The provider's own
	// cap still applies.
	BatchLimit int `yaml:"batchLimit"`
}

// CacheConfig selects the result store backend and freshness windows.
type CacheConfig struct {
	// Backend is one of memory, sqlite, postgres.
	Backend        string   `yaml:"backend"`
	DSN            string   `yaml:"dsn"`
	MaxEntries     int      `yaml:"maxEntries"`
	PageValidity   Duration `yaml:"pageValidity"`
	TrendsValidity Duration `yaml:"trendsValidity"`
}

// ProxyConfig points at an optional proxy list file.
type ProxyConfig struct {
	File        string   `yaml:"file"`
	MaxFailures int      `yaml:"maxFailures"`
	Cooldown    Duration `yaml:"cooldown"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads YAML configuration from path (defaults apply when path is
// empty) and applies environment overrides for deploy-time secrets.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(cacheDSNEnv); v != "" {
		c.Cache.DSN = v
	}
	if v := os.Getenv(proxyFileEnv); v != "" {
		c.Proxies.File = v
	}
	if v := os.Getenv(browserURLEnv); v != "" {
		c.Strategies.Browser.RemoteURL = v
	}
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend != "memory" && c.Cache.DSN == "" {
		return fmt.Errorf("config: cache backend %q needs a dsn", c.Cache.Backend)
	}
	if c.Rate.Default.Limit <= 0 {
		return fmt.Errorf("config: default rate limit must be positive")
	}
	if j := c.Strategies.Plain.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("config: plain jitter %v outside [0,1]", j)
	}
	for i, s := range c.Schemas {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: schema %d: %w", i, err)
		}
	}
	return nil
}

// SchemaMap indexes the configured schemas by name.
func (c *Config) SchemaMap() map[string]parse.Schema {
	out := make(map[string]parse.Schema, len(c.Schemas))
	for _, s := range c.Schemas {
		out[s.Name] = s
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Rate: RateConfig{
			Default: BudgetConfig{Limit: 60, Window: Duration(time.Minute)},
		},
		Strategies: StrategyConfig{
			Plain:     PlainConfig{Timeout: Duration(30 * time.Second), MaxRedirects: 5, Fingerprint: "chrome"},
			Challenge: ChallengeConfig{Timeout: Duration(45 * time.Second), MaxSolves: 2, MaxWait: Duration(15 * time.Second)},
			Browser:   BrowserConfig{PoolSize: 2, NavTimeout: Duration(60 * time.Second)},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: Duration(500 * time.Millisecond),
				MaxInterval:     Duration(10 * time.Second),
			},
		},
		Trends: TrendsConfig{
			BaseURL:   "https://trends.google.com/trends",
			Timeframe: "today 1-m",
			Quota:     BudgetConfig{Limit: 10, Window: Duration(time.Hour)},
		},
		Cache: CacheConfig{
			Backend:        "memory",
			MaxEntries:     10000,
			PageValidity:   Duration(time.Hour),
			TrendsValidity: Duration(24 * time.Hour),
		},
		Proxies: ProxyConfig{
			MaxFailures: 3,
			Cooldown:    Duration(5 * time.Minute),
		},
		Metrics:     MetricsConfig{Enabled: false, Port: 9090},
		Concurrency: 4,
	}
}
