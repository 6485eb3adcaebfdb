// Command trendscope acquires structured records from protected pages
// and the interest-over-time provider, caches them, and exports the
// results.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harwick/trendscope/internal/cache"
	"github.com/harwick/trendscope/internal/config"
	"github.com/harwick/trendscope/internal/export"
	"github.com/harwick/trendscope/internal/fetch"
	"github.com/harwick/trendscope/internal/fingerprint"
	"github.com/harwick/trendscope/internal/metrics"
	"github.com/harwick/trendscope/internal/pipeline"
	"github.com/harwick/trendscope/internal/query"
	"github.com/harwick/trendscope/internal/trends"
	"github.com/harwick/trendscope/pkg/proxy"
	"github.com/harwick/trendscope/pkg/ratelimit"
	"github.com/harwick/trendscope/pkg/useragent"
)

var version = "0.1.0"

var (
	configPath string
	outputPath string
	topN       int
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trendscope",
		Short: "Resilient acquisition of product and trend signals",
		Long: `Trendscope fetches structured records from protected listing pages
and from the interest-over-time provider. Fetches escalate through a
chain of strategies, results are cached by query fingerprint, and
records export to CSV or NDJSON.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "write records to file (.csv, .json)")
	rootCmd.PersistentFlags().IntVar(&topN, "top", 10, "ranked summary size, 0 disables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(pageCmd())
	rootCmd.AddCommand(trendsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pageCmd() *cobra.Command {
	var (
		schema string
		terms  []string
	)
	cmd := &cobra.Command{
		Use:   "page <url> [url...]",
		Short: "Fetch pages and extract records with a configured schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := make([]query.Query, 0, len(args))
			for _, raw := range args {
				q, err := query.NewPage(raw, schema)
				if err != nil {
					return fmt.Errorf("bad url %q: %w", raw, err)
				}
				queries = append(queries, q)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runQueries(cmd.Context(), cfg, queries, runOptions{terms: terms})
		},
	}
	cmd.Flags().StringVarP(&schema, "schema", "s", "", "extraction schema name (required)")
	cmd.Flags().StringSliceVar(&terms, "terms", nil, "report mentions of these terms in fetched pages")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func trendsCmd() *cobra.Command {
	var (
		timeframe string
		geo       string
		related   bool
	)
	cmd := &cobra.Command{
		Use:   "trends <keyword> [keyword...]",
		Short: "Fetch interest-over-time series for a keyword set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if timeframe == "" {
				timeframe = cfg.Trends.Timeframe
			}
			if geo == "" {
				geo = cfg.Trends.Geo
			}
			q, err := query.NewTrends(args, timeframe, geo)
			if err != nil {
				return err
			}
			return runQueries(cmd.Context(), cfg, []query.Query{q}, runOptions{related: related})
		},
	}
	cmd.Flags().StringVarP(&timeframe, "timeframe", "t", "", "provider timeframe, e.g. 'today 1-m'")
	cmd.Flags().StringVarP(&geo, "geo", "g", "", "ISO country code, empty for worldwide")
	cmd.Flags().BoolVar(&related, "related", false, "also print the provider's related queries per keyword")
	return cmd
}

// runOptions carries per-subcommand behavior into the shared run loop.
type runOptions struct {
	terms   []string // page queries: report term mentions in fetched bodies
	related bool     // trends queries: print related queries per keyword
}

func runQueries(ctx context.Context, cfg config.Config, queries []query.Query, opts runOptions) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.Start(cfg.Metrics.Port)
		defer srv.Stop(context.Background())
	}

	orch, trendsClient, cleanup, err := buildOrchestrator(ctx, cfg, logger, opts.terms)
	if err != nil {
		return err
	}
	defer cleanup()

	results := orch.RunAll(ctx, queries, cfg.Concurrency)

	var records, trendRecords, pageRecords []query.Record
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			logger.Error("query failed", "kind", res.Query.Kind, "error", res.Err)
			continue
		}
		records = append(records, res.Records...)
		if res.Query.Kind == query.KindTrends {
			trendRecords = append(trendRecords, res.Records...)
		} else {
			pageRecords = append(pageRecords, res.Records...)
		}
		logger.Info("query done",
			"kind", res.Query.Kind,
			"records", len(res.Records),
			"attempts", len(res.Attempts),
			"cache_hit", res.CacheHit,
			"elapsed", res.Elapsed.Round(time.Millisecond))
	}

	if outputPath != "" {
		if err := export.ToFile(outputPath, records); err != nil {
			return err
		}
		logger.Info("records written", "path", outputPath, "count", len(records))
	}

	printTermMatches(results)

	if topN > 0 {
		// Trend keywords rank by score, which weighs recent momentum over
		// raw popularity; page records rank by plain averages.
		if len(trendRecords) > 0 {
			if err := export.WriteTrendSummary(os.Stdout, trends.Analyze(trendRecords), topN); err != nil {
				return err
			}
		}
		if len(pageRecords) > 0 {
			if err := export.WriteSummary(os.Stdout, export.Summarize(pageRecords, topN)); err != nil {
				return err
			}
		}
	}

	if opts.related {
		printRelated(ctx, trendsClient, queries, logger)
	}

	if failed == len(queries) {
		return fmt.Errorf("all %d queries failed", failed)
	}
	return nil
}

func printTermMatches(results []*pipeline.Result) {
	for _, res := range results {
		if res == nil || len(res.TermMatches) == 0 {
			continue
		}
		fmt.Fprintf(os.Stdout, "term mentions in %s:\n", res.Query.URL)
		for _, m := range res.TermMatches {
			fmt.Fprintf(os.Stdout, "  %-30s %d\n", m.Term, m.Count)
		}
	}
}

func printRelated(ctx context.Context, c *trends.Client, queries []query.Query, logger *slog.Logger) {
	for _, q := range queries {
		if q.Kind != query.KindTrends {
			continue
		}
		for _, kw := range q.Keywords {
			rel, err := c.RelatedQueries(ctx, kw, q.Timeframe, q.Geo)
			if err != nil {
				logger.Warn("related queries failed", "keyword", kw, "error", err)
				continue
			}
			fmt.Fprintf(os.Stdout, "related to %q:\n", kw)
			for _, r := range rel {
				fmt.Fprintf(os.Stdout, "  %s\n", r)
			}
		}
	}
}

// buildOrchestrator wires the configured strategies, cache backend, rate
// budgets and trends client. The returned cleanup releases browser and
// store resources.
func buildOrchestrator(ctx context.Context, cfg config.Config, logger *slog.Logger, terms []string) (*pipeline.Orchestrator, *trends.Client, func(), error) {
	limiter := ratelimit.NewLimiter(ratelimit.Budget{
		Limit:  cfg.Rate.Default.Limit,
		Window: cfg.Rate.Default.Window.Std(),
	})
	for host, b := range cfg.Rate.Hosts {
		limiter.SetBudget(host, ratelimit.Budget{Limit: b.Limit, Window: b.Window.Std()})
	}

	uaPool := useragent.NewPool(cfg.UserAgents)

	var proxyPool *proxy.Pool
	if cfg.Proxies.File != "" {
		proxyPool = proxy.NewPool(proxy.Config{
			MaxFailures: cfg.Proxies.MaxFailures,
			Cooldown:    cfg.Proxies.Cooldown.Std(),
		})
		if err := proxyPool.LoadFile(cfg.Proxies.File); err != nil {
			return nil, nil, nil, fmt.Errorf("load proxies: %w", err)
		}
	}

	profile, err := fingerprint.ParseProfile(cfg.Strategies.Plain.Fingerprint)
	if err != nil {
		return nil, nil, nil, err
	}

	var pacer *ratelimit.Pacer
	if cfg.Strategies.Plain.Rps > 0 {
		pacer = ratelimit.NewPacer(cfg.Strategies.Plain.Rps, cfg.Strategies.Plain.Jitter)
	}

	plain, err := fetch.NewPlain(fetch.PlainConfig{
		Timeout:      cfg.Strategies.Plain.Timeout.Std(),
		MaxRedirects: cfg.Strategies.Plain.MaxRedirects,
		Fingerprint:  profile,
		UAPool:       uaPool,
		ProxyPool:    proxyPool,
		Pacer:        pacer,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	challenge, err := fetch.NewChallenge(fetch.ChallengeConfig{
		Timeout:     cfg.Strategies.Challenge.Timeout.Std(),
		Fingerprint: profile,
		UAPool:      uaPool,
		MaxSolves:   cfg.Strategies.Challenge.MaxSolves,
		MaxWait:     cfg.Strategies.Challenge.MaxWait.Std(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	strategies := []fetch.Strategy{plain, challenge}
	var browser *fetch.Browser
	if !cfg.Strategies.Browser.Disabled {
		browser = fetch.NewBrowser(fetch.BrowserConfig{
			RemoteURL:  cfg.Strategies.Browser.RemoteURL,
			PoolSize:   cfg.Strategies.Browser.PoolSize,
			NavTimeout: cfg.Strategies.Browser.NavTimeout.Std(),
			Logger:     logger,
		})
		strategies = append(strategies, browser)
	}

	policy := fetch.RetryPolicy{
		MaxAttempts:     cfg.Strategies.Retry.MaxAttempts,
		InitialInterval: cfg.Strategies.Retry.InitialInterval.Std(),
		MaxInterval:     cfg.Strategies.Retry.MaxInterval.Std(),
	}
	chain := fetch.NewChain(policy, logger, strategies...)

	store, err := buildStore(ctx, cfg.Cache)
	if err != nil {
		return nil, nil, nil, err
	}

	trendsClient, err := trends.NewClient(trends.Config{
		BaseURL:    cfg.Trends.BaseURL,
		Strategy:   plain,
		Limiter:    limiter,
		BatchLimit: cfg.Trends.BatchLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	limiter.SetBudget(trendsClient.Host(), ratelimit.Budget{
		Limit:  cfg.Trends.Quota.Limit,
		Window: cfg.Trends.Quota.Window.Std(),
		Class:  ratelimit.ClassQuota,
	})

	var robots *fetch.RobotsAuditor
	if cfg.RespectRobots {
		robots = fetch.NewRobotsAuditor(plain, logger)
	}

	orch, err := pipeline.New(pipeline.Config{
		Chain:          chain,
		Robots:         robots,
		Trends:         trendsClient,
		Store:          store,
		Limiter:        limiter,
		Schemas:        cfg.SchemaMap(),
		Terms:          terms,
		PageValidity:   cfg.Cache.PageValidity.Std(),
		TrendsValidity: cfg.Cache.TrendsValidity.Std(),
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		if browser != nil {
			if err := browser.Close(); err != nil {
				logger.Warn("browser close failed", "error", err)
			}
		}
		if pacer != nil {
			pacer.Stop()
		}
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}
	return orch, trendsClient, cleanup, nil
}

func buildStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return cache.NewSQLite(cfg.DSN, cfg.MaxEntries)
	case "postgres":
		return cache.NewPostgres(ctx, cfg.DSN, cfg.MaxEntries)
	default:
		return cache.NewMemory(cfg.MaxEntries), nil
	}
}
