package storage

import (
	"sync/atomic"
	"time"
)

// monotonicClock hands out strictly increasing timestamps so tasks created in the
// same nanosecond still order by creation.
type monotonicClock struct {
	last atomic.Int64
	now  func() time.Time
}

func newMonotonicClock(now func() time.Time) *monotonicClock {
	if now == nil {
		now = time.Now
	}
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Next() time.Time {
	for {
		now := c.now().UTC().UnixNano()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}
