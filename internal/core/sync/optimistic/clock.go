package optimistic

import (
	"sync"
	"time"
)

// VersionClock issues provisional versions derived from the wall clock in
// milliseconds. Versions never repeat and never go backwards within the
// process, even if the wall clock does.
type VersionClock struct {
	mx   sync.Mutex
	last int64
	now  func() time.Time
}

func NewVersionClock(now func() time.Time) *VersionClock {
	if now == nil {
		now = time.Now
	}
	return &VersionClock{now: now}
}

func (c *VersionClock) Next() int64 {
	c.mx.Lock()
	defer c.mx.Unlock()

	v := c.now().UnixMilli()
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return v
}

// Last returns the most recently issued version.
func (c *VersionClock) Last() int64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.last
}
