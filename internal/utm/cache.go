package utm

import (
	"sync"

	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// cache keeps the most recent reports in a fixed-size ring.
type cache struct {
	mu      sync.Mutex
	reports []telemetry.Report
	next    int
	full    bool
}

func newCache(size int) *cache {
	return &cache{reports: make([]telemetry.Report, size)}
}

func (c *cache) add(r telemetry.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[c.next] = r
	c.next++
	if c.next == len(c.reports) {
		c.next = 0
		c.full = true
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return len(c.reports)
	}
	return c.next
}

// last returns the newest report of aircraft.
func (c *cache) last(aircraft string) (telemetry.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.next
	if c.full {
		n = len(c.reports)
	}
	for i := 1; i <= n; i++ {
		idx := (c.next - i + len(c.reports)) % len(c.reports)
		if c.reports[idx].Aircraft == aircraft {
			return c.reports[idx], true
		}
	}
	return telemetry.Report{}, false
}
