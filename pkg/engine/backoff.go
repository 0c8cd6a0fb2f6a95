package engine

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before retry n (0-based): base doubling
// per attempt, capped at max, with ±20% jitter so parallel records do
// not hammer the exchange in lockstep.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	d := base << uint(n)
	if d <= 0 || d > max {
		d = max
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}
