// Package ratelimit provides admission control keyed by (identity, operation
// class). The Redis-backed window is the primary implementation: its counters
// are shared across every instance of the service and survive restarts. The
// in-process window is a degraded fallback for deployments without Redis.
package ratelimit

import (
	"context"
	"time"
)

// Operation classes. Writes touch both the blob store and the metadata store,
// so their budget is configured materially smaller than the read budget.
const (
	ClassRead  = "read"
	ClassWrite = "write"
)

// Window is the budget for one operation class.
type Window struct {
	Capacity int64
	Duration time.Duration
}

// Decision is the immediate, non-blocking answer to an admission check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter records one attempt for (identity, class) and reports whether the
// attempt fits the window. Implementations must never block.
type Limiter interface {
	Allow(ctx context.Context, identity, class string) (Decision, error)
}
