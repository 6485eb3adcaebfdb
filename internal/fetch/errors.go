package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/harwick/trendscope/internal/query"
)

// ErrTimeout marks an attempt that ran out of time. The chain escalates
// past the strategy instead of retrying it.
var ErrTimeout = errors.New("fetch: timeout")

// BlockedError marks an attempt refused by bot protection. Vendor names
// the detected product when one was identified.
type BlockedError struct {
	Vendor string
}

func (e *BlockedError) Error() string {
	if e.Vendor == "" {
		return "fetch: blocked by target"
	}
	return fmt.Sprintf("fetch: blocked by %s", e.Vendor)
}

// NetError marks a transient network failure. The chain retries the same
// strategy with backoff before escalating.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("fetch: network error during %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// UnreachableError reports that every strategy was exhausted. It carries
// the full attempt history so callers can see which defenses were hit.
type UnreachableError struct {
	URL      string
	Attempts []query.FetchAttempt
}

func (e *UnreachableError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = fmt.Sprintf("%s=%s", a.Strategy, a.Outcome)
	}
	return fmt.Sprintf("fetch: %s unreachable after %d attempts (%s)", e.URL, len(e.Attempts), strings.Join(names, ", "))
}

// classifyTransportErr maps a transport-level failure onto the taxonomy.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &NetError{Op: "request", Err: err}
}

// OutcomeOf translates an attempt error into the bookkeeping outcome.
func OutcomeOf(err error) query.Outcome {
	switch {
	case err == nil:
		return query.OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return query.OutcomeCancelled
	case errors.Is(err, ErrTimeout):
		return query.OutcomeTimeout
	default:
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return query.OutcomeBlocked
		}
		return query.OutcomeNetError
	}
}
