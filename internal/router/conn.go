package router

import (
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/protocol"
	"github.com/google/uuid"
)

// Conn is the router's handle to one agent connection. The daemon owns the
// socket; the router only ever touches the outbound queue. A connection never
// mutates another's state except through router operations.
type Conn struct {
	ID        string
	Name      string
	SessionID string

	send chan *protocol.Frame
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	reason   *protocol.Frame
	subs     map[string]bool
	errTimes []time.Time
}

// NewConn allocates an unbound connection handle with the given hard queue
// bound. Name and SessionID are set by Bind after a valid HELLO.
func NewConn(hardBound int) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		send: make(chan *protocol.Frame, hardBound),
		done: make(chan struct{}),
		subs: make(map[string]bool),
	}
}

// Outbound is drained by the daemon's writer goroutine.
func (c *Conn) Outbound() <-chan *protocol.Frame { return c.send }

// Done is closed when the connection has been told to terminate.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the final frame to write before closing the socket,
// if any.
func (c *Conn) CloseReason() *protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close marks the connection for termination. Idempotent; the first reason
// wins.
func (c *Conn) Close(reason *protocol.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()
	close(c.done)
}

// Depth returns the current outbound queue depth.
func (c *Conn) Depth() int { return len(c.send) }

// tryEnqueue pushes a frame without blocking. Reports false when the queue is
// at its hard bound.
func (c *Conn) tryEnqueue(f *protocol.Frame) bool {
	select {
	case <-c.done:
		return true // silently dropped; connection is going away
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// enqueueBlocking pushes a frame, blocking the caller until there is space or
// the connection dies. Blocking the caller is the backpressure mechanism: the
// sender's read loop stalls, which stalls its socket.
func (c *Conn) enqueueBlocking(f *protocol.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

// Reply queues a frame toward this connection without blocking, for direct
// responses (acks, errors) from the read loop.
func (c *Conn) Reply(f *protocol.Frame) { c.tryEnqueue(f) }

func (c *Conn) subscribe(topic string)   { c.mu.Lock(); c.subs[topic] = true; c.mu.Unlock() }
func (c *Conn) unsubscribe(topic string) { c.mu.Lock(); delete(c.subs, topic); c.mu.Unlock() }

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

// noteProtocolError records a protocol error and reports whether the
// threshold (3 in 10s) has been crossed.
func (c *Conn) noteProtocolError(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-10 * time.Second)
	kept := c.errTimes[:0]
	for _, t := range c.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errTimes = append(kept, now)
	return len(c.errTimes) >= 3
}
