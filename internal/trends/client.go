// Package trends adapts the interest-over-time provider protocol into the
// shared Record model. The provider answers in two steps: an explore call
// hands out widget tokens, and each widget endpoint answers with an XSSI
// guarded JSON payload.
package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harwick/trendscope/internal/fetch"
	"github.com/harwick/trendscope/internal/metrics"
	"github.com/harwick/trendscope/internal/query"
	"github.com/harwick/trendscope/pkg/ratelimit"
)

const (
	// DefaultBaseURL is the provider endpoint root.
	DefaultBaseURL = "https://trends.google.com/trends"

	// maxBatch is the provider's hard cap on keywords per comparison
	// request. Larger keyword sets are split and merged.
	maxBatch = 5

	hl = "en-US"
	tz = "360"
)

// Config parametrizes a Client. Zero values fall back to defaults.
type Config struct {
	BaseURL  string
	Strategy fetch.Strategy     // plain tier client the requests go through
	Limiter  *ratelimit.Limiter // admission per outbound request, quota class
	// BatchLimit caps keywords per comparison request; it can tighten the
	// provider cap but never exceed it.
	BatchLimit int
	Logger     *slog.Logger
}

// Client speaks the explore/widget protocol against one provider host.
type Client struct {
	base     string
	host     string
	batch    int
	strategy fetch.Strategy
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewClient builds a trends client. The strategy is required; the limiter
// is optional (nil means no admission control, used in tests).
func NewClient(cfg Config) (*Client, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("trends: strategy is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("trends: invalid base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchLimit
	if batch <= 0 || batch > maxBatch {
		batch = maxBatch
	}
	return &Client{
		base:     base,
		host:     u.Hostname(),
		batch:    batch,
		strategy: cfg.Strategy,
		limiter:  cfg.Limiter,
		logger:   logger,
	}, nil
}

// Host returns the provider host the client's rate budget is keyed on.
func (c *Client) Host() string { return c.host }

// exploreRequest is the JSON "req" parameter of the explore call.
type exploreRequest struct {
	ComparisonItem []comparisonItem `json:"comparisonItem"`
	Category       int              `json:"category"`
	Property       string           `json:"property"`
}

type comparisonItem struct {
	Keyword string `json:"keyword"`
	Time    string `json:"time"`
	Geo     string `json:"geo"`
}

type exploreResponse struct {
	Widgets []widget `json:"widgets"`
}

type widget struct {
	ID      string          `json:"id"`
	Token   string          `json:"token"`
	Request json.RawMessage `json:"request"`
}

type multilineResponse struct {
	Default struct {
		TimelineData []timelinePoint `json:"timelineData"`
	} `json:"default"`
}

type timelinePoint struct {
	Time  string    `json:"time"`
	Value []float64 `json:"value"`
}

type relatedResponse struct {
	Default struct {
		RankedList []struct {
			RankedKeyword []struct {
				Query string `json:"query"`
				Value int    `json:"value"`
			} `json:"rankedKeyword"`
		} `json:"rankedList"`
	} `json:"default"`
}

// InterestOverTime resolves the query's keywords to timestamped interest
// Records. Keyword sets beyond the provider's batch cap are split into
// consecutive batches and the results merged; the merged set equals what
// a single uncapped request would return.
func (c *Client) InterestOverTime(ctx context.Context, q query.Query) ([]query.Record, []query.FetchAttempt, error) {
	if q.Kind != query.KindTrends {
		return nil, nil, fmt.Errorf("trends: query kind %q is not %q", q.Kind, query.KindTrends)
	}

	var (
		records  []query.Record
		attempts []query.FetchAttempt
	)
	for _, batch := range splitBatches(q.Keywords, c.batch) {
		recs, atts, err := c.fetchBatch(ctx, batch, q.Timeframe, q.Geo)
		attempts = append(attempts, atts...)
		if err != nil {
			return nil, attempts, err
		}
		records = append(records, recs...)
	}
	return records, attempts, nil
}

func (c *Client) fetchBatch(ctx context.Context, keywords []string, timeframe, geo string) ([]query.Record, []query.FetchAttempt, error) {
	metrics.TrendsBatchesTotal.Inc()
	var attempts []query.FetchAttempt

	w, atts, err := c.widgetFor(ctx, keywords, timeframe, geo, "TIMESERIES")
	attempts = append(attempts, atts...)
	if err != nil {
		return nil, attempts, err
	}

	body, att, err := c.get(ctx, c.widgetURL("widgetdata/multiline", w))
	if att != nil {
		attempts = append(attempts, *att)
	}
	if err != nil {
		return nil, attempts, err
	}

	var ml multilineResponse
	if err := json.Unmarshal(stripXSSIPrefix(body), &ml); err != nil {
		return nil, attempts, fmt.Errorf("trends: decode multiline: %w", err)
	}

	records := make([]query.Record, 0, len(ml.Default.TimelineData)*len(keywords))
	for _, pt := range ml.Default.TimelineData {
		ts, err := parsePointTime(pt.Time)
		if err != nil {
			return nil, attempts, fmt.Errorf("trends: timeline point: %w", err)
		}
		for i, kw := range keywords {
			if i >= len(pt.Value) {
				break
			}
			records = append(records, query.Record{
				ID:        uuid.New().String(),
				Timestamp: ts,
				Key:       kw,
				Value:     pt.Value[i],
				Source:    "trends",
				Geo:       geo,
			})
		}
	}
	return records, attempts, nil
}

// RelatedQueries returns the provider's top related queries for a single
// keyword, most popular first.
func (c *Client) RelatedQueries(ctx context.Context, keyword, timeframe, geo string) ([]string, error) {
	w, _, err := c.widgetFor(ctx, []string{keyword}, timeframe, geo, "RELATED_QUERIES")
	if err != nil {
		return nil, err
	}
	body, _, err := c.get(ctx, c.widgetURL("widgetdata/relatedsearches", w))
	if err != nil {
		return nil, err
	}
	var rel relatedResponse
	if err := json.Unmarshal(stripXSSIPrefix(body), &rel); err != nil {
		return nil, fmt.Errorf("trends: decode related: %w", err)
	}
	var out []string
	for _, list := range rel.Default.RankedList {
		for _, rk := range list.RankedKeyword {
			out = append(out, rk.Query)
		}
	}
	return out, nil
}

// widgetFor runs the explore call and picks the widget with the given ID.
func (c *Client) widgetFor(ctx context.Context, keywords []string, timeframe, geo, id string) (widget, []query.FetchAttempt, error) {
	req := exploreRequest{Category: 0, Property: ""}
	for _, kw := range keywords {
		req.ComparisonItem = append(req.ComparisonItem, comparisonItem{
			Keyword: kw,
			Time:    timeframe,
			Geo:     geo,
		})
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return widget{}, nil, fmt.Errorf("trends: encode explore req: %w", err)
	}

	v := url.Values{}
	v.Set("hl", hl)
	v.Set("tz", tz)
	v.Set("req", string(reqJSON))

	body, att, err := c.get(ctx, c.base+"/api/explore?"+v.Encode())
	var attempts []query.FetchAttempt
	if att != nil {
		attempts = append(attempts, *att)
	}
	if err != nil {
		return widget{}, attempts, err
	}

	var exp exploreResponse
	if err := json.Unmarshal(stripXSSIPrefix(body), &exp); err != nil {
		return widget{}, attempts, fmt.Errorf("trends: decode explore: %w", err)
	}
	for _, w := range exp.Widgets {
		if w.ID == id {
			return w, attempts, nil
		}
	}
	return widget{}, attempts, fmt.Errorf("trends: explore response has no %s widget", id)
}

func (c *Client) widgetURL(endpoint string, w widget) string {
	v := url.Values{}
	v.Set("hl", hl)
	v.Set("tz", tz)
	v.Set("req", string(w.Request))
	v.Set("token", w.Token)
	return c.base + "/api/" + endpoint + "?" + v.Encode()
}

// get issues one admitted request through the plain strategy. The
// returned attempt is nil when admission was denied: no request went
// out, so there is nothing to record. The denial error surfaces
// unchanged so callers see the retry-after.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, *query.FetchAttempt, error) {
	if c.limiter != nil {
		if err := c.limiter.Admit(c.host); err != nil {
			return nil, nil, err
		}
	}

	hdr := http.Header{}
	hdr.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.strategy.Fetch(ctx, rawURL, hdr)
	att := query.FetchAttempt{
		Strategy: c.strategy.Name(),
		Outcome:  fetch.OutcomeOf(err),
	}
	if resp != nil {
		att.StatusCode = resp.StatusCode
		att.Latency = resp.Elapsed
	}
	if err != nil {
		att.Err = err.Error()
		return nil, &att, err
	}
	if resp.StatusCode != http.StatusOK {
		att.Outcome = query.OutcomeNetError
		err := fmt.Errorf("trends: provider returned status %d", resp.StatusCode)
		att.Err = err.Error()
		return nil, &att, err
	}
	return resp.Body, &att, nil
}

// stripXSSIPrefix removes the anti-hijacking guard the provider prepends
// to every JSON payload, a ")]}'" run optionally followed by a comma and
// newline.
func stripXSSIPrefix(body []byte) []byte {
	s := strings.TrimLeft(string(body), ")]}',\r\n ")
	return []byte(s)
}

func parsePointTime(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad unix time %q: %w", raw, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// splitBatches cuts keywords into consecutive chunks of at most size.
func splitBatches(keywords []string, size int) [][]string {
	if size <= 0 {
		size = maxBatch
	}
	var out [][]string
	for len(keywords) > size {
		out = append(out, keywords[:size])
		keywords = keywords[size:]
	}
	if len(keywords) > 0 {
		out = append(out, keywords)
	}
	return out
}
