package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe.
type Result struct {
	// Healthy reports whether the endpoint answered acceptably.
	Healthy bool

	// Message is a one-line account of what the probe saw, short enough
	// to embed in a worker status reason.
	Message string

	// CheckedAt is when the probe started.
	CheckedAt time.Time

	// Duration is how long the endpoint took to answer.
	Duration time.Duration
}

// Checker probes one endpoint once. Implementations honor the context
// deadline; scheduling and retry policy belong to the caller.
type Checker interface {
	Check(ctx context.Context) Result
}
