// ABOUTME: Process-relative monotonic clock
// ABOUTME: Millisecond timestamps unaffected by wall clock adjustments
package clock

import "time"

// processStart anchors the clock. time.Time carries a monotonic
// reading, so Since() is immune to NTP steps and manual clock changes.
var processStart = time.Now()

// Now returns milliseconds elapsed since process start as a float,
// with sub-millisecond precision where the platform provides it.
func Now() float64 {
	return float64(time.Since(processStart)) / float64(time.Millisecond)
}

// ToWallClock converts a process-relative millisecond instant to an
// absolute time.Time. Only used at protocol edges that need epoch time.
func ToWallClock(ms float64) time.Time {
	return processStart.Add(time.Duration(ms * float64(time.Millisecond)))
}
