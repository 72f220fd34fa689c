package tunnel

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks open and total counts for a class of entity (sessions,
// in-flight proxied requests). Grounded on share/connstats.go, generalized
// beyond raw network connections.
type ConnStats struct {
	count int32
	open  int32
}

// New records the start of one new entity and returns its sequence number.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open increments the currently-open count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close decrements the currently-open count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// OpenCount returns the current number of open entities.
func (c *ConnStats) OpenCount() int32 {
	return atomic.LoadInt32(&c.open)
}

// TotalCount returns the total number of entities ever started.
func (c *ConnStats) TotalCount() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
