package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harwick/trendscope/internal/query"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8889)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordAttempts([]query.FetchAttempt{
		{Strategy: "plain", Outcome: query.OutcomeBlocked, StatusCode: 403, Vendor: "Cloudflare", Latency: 200 * time.Millisecond},
		{Strategy: "challenge", Outcome: query.OutcomeSuccess, StatusCode: 200, Latency: 2 * time.Second},
	})
	CacheEventsTotal.WithLabelValues("hit").Inc()
	RateDenialsTotal.WithLabelValues("trends.google.com", "quota").Inc()

	resp, err := http.Get("http://localhost:8889/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	output := string(body)

	if !strings.Contains(output, `trendscope_fetch_attempts_total{outcome="blocked",strategy="plain",vendor="Cloudflare"}`) {
		t.Errorf("expected fetch attempts metric for plain/blocked")
	}

	if !strings.Contains(output, "trendscope_fetch_duration_seconds_bucket") {
		t.Errorf("expected fetch duration histogram")
	}

	if !strings.Contains(output, `trendscope_cache_events_total{event="hit"}`) {
		t.Errorf("expected cache events metric")
	}

	if !strings.Contains(output, `trendscope_rate_denials_total{class="quota",host="trends.google.com"}`) {
		t.Errorf("expected rate denials metric")
	}
}
