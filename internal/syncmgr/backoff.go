package syncmgr

import "time"

// Backoff returns the delay before retrying an item that has failed
// attempts times: base * 2^(attempts-1), capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
