// Package clock provides the monotonic timestamps the link server uses
// for deadline comparisons (jitter windows, heartbeat timeouts). Tests
// inject a manually-advanced Fake in place of the Real clock.
package clock

import "time"

// Clock provides monotonic millisecond/second timestamps.
type Clock interface {
	NowMillis() int64
	NowSeconds() int64
}

// Real is a Clock backed by time.Now's monotonic reading.
type Real struct{ start time.Time }

// NewReal returns a Real clock anchored at the current time.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) NowMillis() int64 {
	return time.Since(r.start).Milliseconds()
}

func (r *Real) NowSeconds() int64 {
	return int64(time.Since(r.start).Seconds())
}
