package smtp

import "time"

// Clock is injected into the server and rate limiter so tests can control
// time deterministically instead of sleeping on the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}
