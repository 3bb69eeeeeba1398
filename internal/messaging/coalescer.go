// internal/messaging/coalescer.go

package messaging

import (
	"sync"
	"time"
)

// DefaultFlushInterval is the quiet period the coalescer waits for.
const DefaultFlushInterval = 100 * time.Millisecond

// MergeTarget receives coalesced batches.
type MergeTarget interface {
	Contains(id string) bool
	Merge(changes []Change)
}

// RealtimeCoalescer buffers live deltas and hands them to its target as one
// batch once no new delta has arrived for the flush interval.
type RealtimeCoalescer struct {
	mu       sync.Mutex
	pending  []Change
	timer    *time.Timer
	interval time.Duration
	stopped  bool
	// bumped on every Add; a timer only flushes the generation it was armed for
	gen uint64

	// serializes flushes so a manual Flush never interleaves with the timer
	flushMu sync.Mutex
	target  MergeTarget
}

func NewRealtimeCoalescer(target MergeTarget, interval time.Duration) *RealtimeCoalescer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &RealtimeCoalescer{
		target:   target,
		interval: interval,
	}
}

// Add buffers changes and re-arms the flush timer.
func (c *RealtimeCoalescer) Add(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	c.pending = append(c.pending, changes...)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.interval, func() { c.flush(gen) })
}

// Pending returns the number of buffered changes.
func (c *RealtimeCoalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush drains the buffer immediately. An empty buffer is a no-op.
func (c *RealtimeCoalescer) Flush() {
	c.flush(0)
}

// flush drains the buffer. A non-zero gen comes from a timer and is ignored
// when an Add re-armed the timer after it fired.
func (c *RealtimeCoalescer) flush(gen uint64) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if gen != 0 && gen != c.gen {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || len(batch) == 0 {
		return
	}

	c.target.Merge(c.reclassify(batch))
}

// reclassify turns an added delta into modified when the target already
// holds the id or an earlier delta in the batch introduced it.
func (c *RealtimeCoalescer) reclassify(batch []Change) []Change {
	seen := make(map[string]struct{}, len(batch))
	out := make([]Change, 0, len(batch))
	for _, ch := range batch {
		id := ch.Message.ID
		if ch.Kind == ChangeAdded {
			if _, dup := seen[id]; dup || c.target.Contains(id) {
				ch.Kind = ChangeModified
			}
		}
		if ch.Kind == ChangeRemoved {
			delete(seen, id)
		} else {
			seen[id] = struct{}{}
		}
		out = append(out, ch)
	}
	return out
}

// Stop cancels the pending flush and drops buffered changes. Later Adds are
// ignored.
func (c *RealtimeCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
