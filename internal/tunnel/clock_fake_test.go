package tunnel

import (
	"sync"
	"time"
)

// fakeClock is a deterministic Clock for tests: Now() only advances when
// Advance() is called, and After()/tickers fire based on that virtual time.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{clock: f, period: d, next: f.Now().Add(d), ch: make(chan time.Time, 1)}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

// Advance moves virtual time forward by d, firing any waiters and tickers
// whose deadline has passed.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !now.Before(w.at) {
			w.ch <- now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, t := range tickers {
		t.maybeFire(now)
	}
}

type fakeTicker struct {
	clock  *fakeClock
	period time.Duration
	next   time.Time
	ch     chan time.Time
	mu     sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// maybeFire is invoked by the owning fakeClock's Advance for every registered
// ticker; it fires only if the ticker's deadline has passed.
func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if !now.Before(t.next) {
		select {
		case t.ch <- now:
		default:
		}
		t.next = now.Add(t.period)
	}
}
