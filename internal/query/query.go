package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Kind distinguishes the two classes of work the pipeline accepts.
type Kind string

const (
	// KindPage is a URL fetch with a named extraction schema.
	KindPage Kind = "page"
	// KindTrends is a keyword-set lookup against the trends provider.
	KindTrends Kind = "trends"
)

// Query identifies one unit of work. It is immutable once built; the
// constructors normalize the input so that equivalent queries share a
// fingerprint.
type Query struct {
	Kind   Kind
	URL    string // KindPage
	Schema string // KindPage: extraction schema name

	Keywords  []string // KindTrends
	Timeframe string   // KindTrends, e.g. "today 1-m"
	Geo       string   // KindTrends, ISO country code or empty for worldwide
}

// NewPage builds a page query. The URL is normalized (lowercased host,
// fragment stripped) so that trivially different spellings dedupe.
func NewPage(rawURL, schema string) (Query, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Query{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Query{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return Query{
		Kind:   KindPage,
		URL:    u.String(),
		Schema: strings.TrimSpace(schema),
	}, nil
}

// NewTrends builds a trends query. Keywords are trimmed, lowercased,
// deduplicated and sorted; order never affects the fingerprint.
func NewTrends(keywords []string, timeframe, geo string) (Query, error) {
	seen := make(map[string]struct{}, len(keywords))
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		normalized = append(normalized, kw)
	}
	if len(normalized) == 0 {
		return Query{}, fmt.Errorf("trends query needs at least one keyword")
	}
	sort.Strings(normalized)

	if timeframe = strings.TrimSpace(timeframe); timeframe == "" {
		timeframe = "today 1-m"
	}

	return Query{
		Kind:      KindTrends,
		Keywords:  normalized,
		Timeframe: timeframe,
		Geo:       strings.ToUpper(strings.TrimSpace(geo)),
	}, nil
}

// Host returns the target host of the query, or "" if it cannot be
// determined. Rate budgets are keyed on this.
func (q Query) Host() string {
	if q.Kind != KindPage {
		return ""
	}
	u, err := url.Parse(q.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Fingerprint returns a stable hex identifier derived from the normalized
// query fields. Equal queries always produce equal fingerprints.
func (q Query) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00", q.Kind)
	switch q.Kind {
	case KindPage:
		fmt.Fprintf(h, "%s\x00%s", q.URL, q.Schema)
	case KindTrends:
		fmt.Fprintf(h, "%s\x00%s\x00%s", strings.Join(q.Keywords, "\x1f"), q.Timeframe, q.Geo)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome classifies how a single fetch attempt ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeNetError  Outcome = "network_error"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) String() string { return string(o) }

// FetchAttempt records one strategy's try at resolving a query. The raw
// payload lives only on the in-flight response; attempts kept for
// diagnostics carry metadata only.
type FetchAttempt struct {
	Strategy   string
	Outcome    Outcome
	StatusCode int
	Latency    time.Duration
	// Vendor names the protection product behind a blocked outcome,
	// when detection identified one.
	Vendor string
	Err    string
}

// Record is the normalized tabular output shared by every acquisition
// path; consumers never need to know which strategy produced it.
type Record struct {
	ID        string
	Timestamp time.Time
	Key       string  // keyword or entity name
	Value     float64 // numeric observation (interest, price, count)
	Text      string  // textual observation when the field is not numeric
	Source    string  // producing strategy or "trends"
	Geo       string
	// Fields carries schema-extracted extras keyed by field name. Optional
	// fields that were absent in the source are simply not present.
	Fields map[string]string
}
