package spoof

import (
	"sync/atomic"

	"firestige.xyz/spooftcp/internal/core"
)

// Context is one execution context: a single worker that processes packets
// sequentially. It owns its Guard and its counters. A Context must not be
// used by two goroutines at once.
type Context struct {
	id    int
	guard Guard
	stats Counters
}

// NewContext creates an idle execution context.
func NewContext(id int) *Context {
	return &Context{id: id}
}

// ID returns the context identifier (the queue number for NFQUEUE workers).
func (c *Context) ID() int { return c.id }

// Guard returns the reentrancy guard owned by the context.
func (c *Context) Guard() *Guard { return &c.guard }

// Counters returns the counters of the context.
func (c *Context) Counters() *Counters { return &c.stats }

// Counters are per-context packet counters. They are written by the owning
// worker and may be read concurrently.
type Counters struct {
	Received       atomic.Uint64
	Skipped        [core.SkipExceedsMTU + 1]atomic.Uint64
	Injected       atomic.Uint64
	TransmitErrors atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Received       uint64            `json:"received"`
	Skipped        map[string]uint64 `json:"skipped"`
	Injected       uint64            `json:"injected"`
	TransmitErrors uint64            `json:"transmit_errors"`
}

// Snapshot copies the counters. Skip reasons with a zero count are omitted.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Received:       c.Received.Load(),
		Injected:       c.Injected.Load(),
		TransmitErrors: c.TransmitErrors.Load(),
		Skipped:        make(map[string]uint64),
	}
	for i := range c.Skipped {
		if n := c.Skipped[i].Load(); n > 0 {
			s.Skipped[core.SkipReason(i).String()] = n
		}
	}
	return s
}

// TotalSkipped sums skips over all reasons.
func (s Snapshot) TotalSkipped() uint64 {
	var n uint64
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

// Reset resets all counters to zero.
func (c *Counters) Reset() {
	c.Received.Store(0)
	c.Injected.Store(0)
	c.TransmitErrors.Store(0)
	for i := range c.Skipped {
		c.Skipped[i].Store(0)
	}
}

func (c *Counters) skip(r core.SkipReason) {
	if int(r) < len(c.Skipped) {
		c.Skipped[r].Add(1)
	}
}
