package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Class separates the generic per-host budget from the stricter quota the
// trends provider enforces, so callers can pick a longer cooldown when the
// quota trips.
type Class string

const (
	ClassGeneric Class = "generic"
	ClassQuota   Class = "quota"
)

// Budget describes one host's request allowance within a fixed window.
type Budget struct {
	Limit  int
	Window time.Duration
	Class  Class
}

// RateError reports a denied admission together with the earliest time a
// retry can succeed.
type RateError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *RateError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Host, e.RetryAfter.Round(time.Millisecond))
}

// QuotaError is the quota-class variant of RateError. It is a distinct
// type so callers can apply a longer cooldown for quota-protected hosts.
type QuotaError struct {
	RateError
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s, retry after %s", e.Host, e.RetryAfter.Round(time.Millisecond))
}

type hostWindow struct {
	start time.Time
	count int
}

// Limiter tracks a request budget per host. Admission is a single atomic
// check-and-increment under the limiter's lock; denials never consume
// budget. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	fallback Budget
	budgets  map[string]Budget
	windows  map[string]*hostWindow
	now      func() time.Time
}

// NewLimiter creates a limiter with a fallback budget applied to hosts
// without an explicit one. A fallback limit <= 0 means unlimited.
func NewLimiter(fallback Budget) *Limiter {
	if fallback.Window <= 0 {
		fallback.Window = time.Minute
	}
	if fallback.Class == "" {
		fallback.Class = ClassGeneric
	}
	return &Limiter{
		fallback: fallback,
		budgets:  make(map[string]Budget),
		windows:  make(map[string]*hostWindow),
		now:      time.Now,
	}
}

// SetBudget assigns a host-specific budget, e.g. the tighter quota for the
// trends provider's host.
func (l *Limiter) SetBudget(host string, b Budget) {
	if b.Window <= 0 {
		b.Window = time.Minute
	}
	if b.Class == "" {
		b.Class = ClassGeneric
	}
	l.mu.Lock()
	l.budgets[host] = b
	l.mu.Unlock()
}

// Admit attempts to consume one unit of the host's budget. On denial it
// returns *RateError (or *QuotaError for quota-class hosts) carrying the
// time until the window rolls over; the counter is left untouched.
func (l *Limiter) Admit(host string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[host]
	if !ok {
		budget = l.fallback
	}
	if budget.Limit <= 0 {
		return nil // unlimited
	}

	now := l.now()
	w := l.windows[host]
	if w == nil || now.Sub(w.start) >= budget.Window {
		w = &hostWindow{start: now}
		l.windows[host] = w
	}

	if w.count >= budget.Limit {
		retryAfter := budget.Window - now.Sub(w.start)
		rateErr := RateError{Host: host, RetryAfter: retryAfter}
		if budget.Class == ClassQuota {
			return &QuotaError{RateError: rateErr}
		}
		return &rateErr
	}

	w.count++
	return nil
}

// Remaining reports how many admissions the host's current window still
// allows. Intended for instrumentation, not for check-then-act use.
func (l *Limiter) Remaining(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[host]
	if !ok {
		budget = l.fallback
	}
	if budget.Limit <= 0 {
		return -1
	}
	w := l.windows[host]
	if w == nil || l.now().Sub(w.start) >= budget.Window {
		return budget.Limit
	}
	return budget.Limit - w.count
}
