// Package clock provides the monotonic time source and backoff ladders
// C8's scheduler ticks against (spec.md §4.1).
package clock

import "time"

// Clock is a monotonic millisecond clock. now_ms() is wrap-safe via
// unsigned subtraction on real hardware; on a host process int64 ms
// doesn't wrap inside any plausible uptime, so plain subtraction suffices.
type Clock struct {
	start time.Time
}

// New starts the clock at the current monotonic instant.
func New() *Clock {
	return &Clock{start: time.Now()}
}

// NowMS returns milliseconds elapsed since the clock was created.
func (c *Clock) NowMS() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}
