package iptransport

import "time"

// timeMillis converts a JSON-carried millisecond count into a
// time.Duration, clamping negative input to zero.
func timeMillis(ms int64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
