// Package fetch retrieves remote content under adversarial conditions.
// Three strategies implement one capability at increasing cost: a plain
// uTLS-fingerprinted client, a challenge-solving client, and full browser
// automation. The Chain tries them cheapest first.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// CostClass orders strategies by expected latency and resource cost.
type CostClass int

const (
	CostLow CostClass = iota
	CostMedium
	CostHigh
)

func (c CostClass) String() string {
	switch c {
	case CostLow:
		return "low"
	case CostMedium:
		return "medium"
	case CostHigh:
		return "high"
	}
	return "unknown"
}

// Response is the raw result of a successful fetch. The body belongs to
// the current attempt and is discarded after parsing.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
	Elapsed    time.Duration
}

// Strategy is one method of retrieving remote content.
type Strategy interface {
	Name() string
	Cost() CostClass
	// Fetch retrieves the URL. Extra headers override the strategy's own.
	// Errors follow the package taxonomy: *BlockedError, ErrTimeout,
	// *NetError, or context cancellation.
	Fetch(ctx context.Context, url string, hdr http.Header) (*Response, error)
}
