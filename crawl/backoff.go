package crawl

import "time"

// dueForRequest reports whether a scanning record with the given retry
// count and last-attempt time may be (re)requested now, per spec.md §4.5:
// "the next attempt is allowed no sooner than L + WALK_TIMEOUT^t", matching
// `monitor.py`'s `_process_scanning` window check.
func dueForRequest(tries int, last time.Time, walkTimeoutBase time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	window := exponentialWindow(walkTimeoutBase, tries)
	return !now.Before(last.Add(window))
}

// exponentialWindow computes WALK_TIMEOUT^tries as a duration, treating
// walkTimeoutBase's magnitude in seconds as the exponentiation base (tries
// is small in practice; the original Python code performs the identical
// float exponentiation in seconds).
func exponentialWindow(walkTimeoutBase time.Duration, tries int) time.Duration {
	seconds := walkTimeoutBase.Seconds()
	result := 1.0
	for i := 0; i < tries; i++ {
		result *= seconds
	}
	return time.Duration(result * float64(time.Second))
}
