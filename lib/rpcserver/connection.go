// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connection is the server-side state for one accepted TCP connection.
//
// Two groups of fields have different ownership rules:
//
//   - The framing fields (version) are touched only by the
//     connection's own read goroutine, in sequence, so they need no
//     lock — there is structurally only ever one reader.
//   - The response-queue fields are touched by whichever Handler
//     goroutine just finished building a reply and by the single
//     Writer goroutine; both are guarded by mu.
type connection struct {
	server     *Server
	netConn    net.Conn
	remoteAddr string
	createdAt  time.Time

	// framing state: read-goroutine owned, unsynchronized.
	version uint8

	mu            sync.Mutex
	identity      []byte
	responseQueue []*call
	closed        bool

	lastContact     atomic.Int64 // UnixNano of the last fully-read request frame
	outstandingRPCs atomic.Int32

	registryIndex int // position in Server.registry.conns; -1 once removed
}

func newConnection(s *Server, nc net.Conn) *connection {
	c := &connection{
		server:     s,
		netConn:    nc,
		remoteAddr: nc.RemoteAddr().String(),
		createdAt:  s.cfg.Clock.Now(),
	}
	c.lastContact.Store(c.createdAt.UnixNano())
	return c
}

// touch records that a request frame just finished arriving, keeping
// the connection out of the idle sweep's eviction range.
func (c *connection) touch(now time.Time) {
	c.lastContact.Store(now.UnixNano())
}

func (c *connection) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastContact.Load()))
}

// setIdentity stores the opaque identity blob read once at connection
// setup.
func (c *connection) setIdentity(b []byte) {
	c.mu.Lock()
	c.identity = b
	c.mu.Unlock()
}

func (c *connection) getIdentity() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// isClosed reports whether the connection has already been torn down.
func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueueResponse appends a fully built response to the Response
// Queue. It reports wasEmpty so the caller (a Handler goroutine) knows
// whether to attempt a synchronous fast-path drain, and discarded so
// the caller knows whether it must refund the reserved throttler bytes
// itself (the connection is already gone, so no Writer will ever drain
// and refund them).
func (c *connection) enqueueResponse(call *call) (wasEmpty bool, discarded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, true
	}
	wasEmpty = len(c.responseQueue) == 0
	c.responseQueue = append(c.responseQueue, call)
	return wasEmpty, false
}

// peekHead returns the first queued response without removing it.
func (c *connection) peekHead() (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responseQueue) == 0 {
		return nil, false
	}
	return c.responseQueue[0], true
}

// popHead removes the first queued response, returning whether the
// queue is now empty.
func (c *connection) popHead() (empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responseQueue) > 0 {
		c.responseQueue[0] = nil
		c.responseQueue = c.responseQueue[1:]
	}
	return len(c.responseQueue) == 0
}

// close tears the connection down exactly once, draining its Response
// Queue and refunding any reserved throttler bytes for responses that
// will now never be sent. Safe to call from any goroutine, any number
// of times. The net.Conn close error is returned (nil on a repeat
// call) so Server.Stop can aggregate it instead of swallowing it.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.responseQueue
	c.responseQueue = nil
	c.mu.Unlock()

	err := c.netConn.Close()

	var refund int64
	for _, call := range pending {
		refund += int64(call.responseSize)
	}
	if refund > 0 {
		c.server.throttler.Decrease(refund)
	}

	c.server.registry.remove(c)
	c.server.cfg.Metrics.ConnectionClosed()
	return err
}

// connectionRegistry tracks every live connection so the idle sweep
// and shutdown can enumerate them. A plain mutex-guarded slice is
// enough at the connection counts this server is designed for (the
// idle sweep itself only starts acting above IdleConnectionThreshold);
// the reference implementation uses a synchronized LinkedList for the
// same purpose. Removal here is O(1): the removed entry is swapped with
// the last one, so registry order is not preserved.
type connectionRegistry struct {
	mu    sync.Mutex
	conns []*connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{}
}

func (r *connectionRegistry) add(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.registryIndex = len(r.conns)
	r.conns = append(r.conns, c)
}

func (r *connectionRegistry) remove(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := c.registryIndex
	if idx < 0 || idx >= len(r.conns) || r.conns[idx] != c {
		return
	}
	last := len(r.conns) - 1
	r.conns[idx] = r.conns[last]
	r.conns[idx].registryIndex = idx
	r.conns[last] = nil
	r.conns = r.conns[:last]
	c.registryIndex = -1
}

func (r *connectionRegistry) snapshot() []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connection, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *connectionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// contiguousRange returns a contiguous slice of up to n connections
// starting at a pseudo-random offset, the same "scan a random
// contiguous range instead of the whole registry" strategy the
// reference implementation uses to spread idle-sweep cost across
// sweeps instead of scanning every connection every time.
func (r *connectionRegistry) contiguousRange(start, n int) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.conns)
	if total == 0 {
		return nil
	}
	if n > total {
		n = total
	}
	start = start % total
	out := make([]*connection, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.conns[(start+i)%total])
	}
	return out
}
