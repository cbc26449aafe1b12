// Package channel implements the bounded rendezvous buffer fibers
// communicate through.
package channel

import (
	"sync"

	"github.com/wudi/sigil/values"
)

// State is a channel's lifecycle state.
type State int

const (
	Open State = iota
	Closed
)

// Channel is a bounded rendezvous buffer. Only the putter's identity is
// tracked, as the putting fiber's ID string rather than a fiber.Fiber
// reference, so this package stays a leaf and never imports package fiber.
// Waiting takers are not recorded.
type Channel struct {
	mu       sync.Mutex
	state    State
	capacity int
	buf      []values.Value

	puttingFiber string // ID of the fiber whose values currently occupy buf, if any
}

// New constructs an open channel with the given buffer capacity.
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{capacity: capacity}
}

// TypeName is the receiver-type key channels dispatch under.
func (c *Channel) TypeName() string { return "Channel" }

// Value wraps c as a KindChannel values.Value.
func (c *Channel) Value() values.Value { return values.Tagged(values.KindChannel, c) }

// AsChannel unwraps v if it holds a Channel.
func AsChannel(v values.Value) (*Channel, bool) {
	ch, ok := v.Data.(*Channel)
	return ch, ok && v.Kind() == values.KindChannel
}

// IsClosed reports whether the channel has been closed.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Closed
}

// IsFull reports whether the channel's buffer is at capacity.
func (c *Channel) IsFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) >= c.capacity
}

// IsEmpty reports whether the channel's buffer currently holds nothing.
func (c *Channel) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) == 0
}

// Close atomically transitions open -> closed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
}

// TryPut attempts to place vs into the channel immediately. It returns
// true on success, recording the putting fiber's identity so a later
// StillReferences check can tell whether those exact values have since
// been drained by a taker. On failure (buffer full, or closed) the caller
// yields with the channel as reentrant tag and retries on resume.
func (c *Channel) TryPut(putterID string, vs []values.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return false
	}
	if len(c.buf)+len(vs) > c.capacity {
		return false
	}
	c.buf = append(c.buf, vs...)
	c.puttingFiber = putterID
	return true
}

// StillReferences reports whether the fiber identified by putterID's
// values are still sitting unconsumed in the buffer — the resume-time
// check a suspended put uses to decide whether to re-yield or succeed.
func (c *Channel) StillReferences(putterID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puttingFiber == putterID && len(c.buf) > 0
}

// TryTake attempts to drain up to want values. It returns the drained
// values and whether the channel was closed with nothing buffered when the
// call began; a call that drains the last values of a closed channel
// reports false, and the next call reports true. An empty closed channel
// yields none; an open channel with no data yields a timeout after the
// caller's retries are spent.
func (c *Channel) TryTake(want int) (drained []values.Value, closedEmpty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil, c.state == Closed
	}
	n := want
	if n > len(c.buf) {
		n = len(c.buf)
	}
	drained = append(drained, c.buf[:n]...)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.puttingFiber = ""
	}
	return drained, false
}
