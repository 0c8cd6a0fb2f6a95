package util

import "time"

// Clock abstracts time for the order engine's submit backoff, status
// polling and quote staleness checks, so tests can drive retries and
// poll deadlines without real sleeps.
type Clock interface {
	// After fires once d has elapsed, like time.After.
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
