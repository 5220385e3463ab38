package worker

import (
	"sync"
	"time"
)

// RollingCounter counts sends and failures over a sliding window of one-second buckets
type RollingCounter struct {
	mu      sync.Mutex
	buckets []rollingBucket
	now     func() time.Time
}

type rollingBucket struct {
	second int64
	sent   int64
	failed int64
}

// NewRollingCounter creates a counter covering window, rounded up to whole seconds
func NewRollingCounter(window time.Duration) *RollingCounter {
	n := int((window + time.Second - 1) / time.Second)
	return &RollingCounter{buckets: make([]rollingBucket, max(n, 1)), now: time.Now}
}

// Window is the covered duration
func (c *RollingCounter) Window() time.Duration {
	return time.Duration(len(c.buckets)) * time.Second
}

// Record adds one delivery outcome at the current second
func (c *RollingCounter) Record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.now().Unix()
	b := &c.buckets[int(sec%int64(len(c.buckets)))]
	if b.second != sec {
		*b = rollingBucket{second: sec}
	}
	if ok {
		b.sent++
	} else {
		b.failed++
	}
}

// Totals sums the buckets that still fall inside the window
func (c *RollingCounter) Totals() (sent, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldest := c.now().Unix() - int64(len(c.buckets)) + 1
	for _, b := range c.buckets {
		if b.second >= oldest {
			sent += b.sent
			failed += b.failed
		}
	}
	return sent, failed
}
