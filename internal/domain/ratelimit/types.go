// Package ratelimit defines the per-route request quota model.
package ratelimit

import (
	"context"
	"time"
)

// Quota is a rate limit: Rate events per Period with up to Burst
// admitted back to back.
type Quota struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// Result is the outcome of one quota check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the next request would be admitted;
	// only meaningful when Allowed is false.
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// Limiter admits or rejects a request under a quota. Implementations
// must be safe for concurrent use; the in-memory one uses GCRA so
// admission is smooth rather than bursty at window edges.
type Limiter interface {
	Allow(ctx context.Context, key string, q Quota) (Result, error)
}

// Route names with dedicated quotas.
const (
	RouteEvaluate = "evaluate"
	RouteExecute  = "execute"
	RouteLogin    = "login"
)

// Per-minute quotas per route; these are the product contract's upper
// floors.
var routeQuotas = map[string]Quota{
	RouteEvaluate: {Rate: 120, Burst: 120, Period: time.Minute},
	RouteExecute:  {Rate: 60, Burst: 60, Period: time.Minute},
	RouteLogin:    {Rate: 10, Burst: 10, Period: time.Minute},
}

// DefaultQuota applies to routes without a dedicated entry.
var DefaultQuota = Quota{Rate: 200, Burst: 200, Period: time.Minute}

// QuotaFor returns the quota for a named route.
func QuotaFor(route string) Quota {
	if q, ok := routeQuotas[route]; ok {
		return q
	}
	return DefaultQuota
}

// Key builds the limiter key for a request: the authenticated
// principal when known, otherwise the caller's address.
func Key(route, principal, remoteAddr string) string {
	subject := principal
	if subject == "" {
		subject = remoteAddr
	}
	return "rl:" + route + ":" + subject
}
