package tunnel

import "time"

// Ticker is the subset of time.Ticker that Clock implementations must provide.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts time so the registry's sweep loop and the session's
// heartbeat/deadline timers can be driven deterministically in tests. No
// direct analog exists in the teacher repo; grounded on the general Go idiom
// of an injected clock interface for deterministic timer-driven code.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

// NewRealClock returns a Clock backed by the time package.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
