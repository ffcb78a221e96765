package replay

import (
	"sync"
	"time"
)

// Clock is the simulated time source the engine reads during a replay. It only moves forward.
type Clock struct {
	mu  sync.RWMutex
	now uint64
}

func NewClock(start uint64) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Unix(int64(c.now), 0).UTC()
}

func (c *Clock) Unix() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock to ts. Moving backwards is an error.
func (c *Clock) Advance(ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.now {
		return ErrTimeTravel
	}
	c.now = ts
	return nil
}
