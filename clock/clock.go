// Package clock provides the monotonic time source the lease taker and
// renewer use for expiry computation. Wall-clock is never consulted by the
// core (spec open question resolved in favor of monotonic time), so every
// call site takes a Clock instead of reading time.Now directly, letting
// simulation tests drive time deterministically.
package clock

import "time"

// Clock returns a monotonically increasing nanosecond count. Two readings
// are only meaningful relative to each other, never as a wall-clock value.
type Clock interface {
	NowMonotonic() uint64
}

// Real is a Clock backed by the process's monotonic clock reading: a
// time.Since diff against a single started-at timestamp captured once at
// construction. Go does not expose a raw monotonic counter, so this is the
// idiomatic substitute: time.Since on a time.Time retains the monotonic
// reading embedded by time.Now, per the time package's documented
// behavior, and never regresses even if the wall clock is adjusted.
type Real struct {
	startedAt time.Time
}

// NewReal returns a Clock whose NowMonotonic starts at zero at construction
// time and advances with wall-clock-independent elapsed time thereafter.
func NewReal() *Real {
	return &Real{startedAt: time.Now()}
}

func (c *Real) NowMonotonic() uint64 {
	return uint64(time.Since(c.startedAt).Nanoseconds())
}
