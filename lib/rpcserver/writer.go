// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// writer is the single goroutine that owns every connection's
// Response Queue. The reference implementation's Writer coordinates
// with Handler threads registering OP_WRITE interest through a
// "pending registrations" counter the selector loop checks before each
// select() call — a quirk of NIO's requirement that only the thread
// that owns a Selector may mutate its keys. §9's design notes call
// this out explicitly as replaceable "with a per-connection write
// task" in an async-runtime rewrite; here it becomes a plain
// sync.Cond-guarded dirty set: any goroutine may mark a connection
// dirty, the Writer wakes, pops one, and drains it.
type writer struct {
	server *Server

	mu      sync.Mutex
	cond    *sync.Cond
	dirty   map[*connection]struct{}
	stopped bool
}

func newWriter(s *Server) *writer {
	w := &writer{server: s, dirty: make(map[*connection]struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// markDirty schedules c for the Writer's attention. Idempotent: a
// connection already pending a drain is not queued twice.
func (w *writer) markDirty(c *connection) {
	w.mu.Lock()
	if _, exists := w.dirty[c]; exists {
		w.mu.Unlock()
		return
	}
	w.dirty[c] = struct{}{}
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *writer) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// writerLoop is the Writer's main loop: wait for a dirty connection, drain
// it, repeat. There is exactly one of these goroutines regardless of
// connection count, matching the reference implementation's single
// Writer thread.
func (s *Server) writerLoop() {
	defer s.wg.Done()
	w := s.writer
	for {
		w.mu.Lock()
		for len(w.dirty) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped && len(w.dirty) == 0 {
			w.mu.Unlock()
			return
		}
		var c *connection
		for k := range w.dirty {
			c = k
			delete(w.dirty, k)
			break
		}
		w.mu.Unlock()

		if c == nil {
			continue
		}
		s.drainConnection(c)
	}
}

// drainConnection writes as much of c's Response Queue as a single
// deadline-bounded attempt allows. It is shared by the Handler's
// enqueue fast path and the Writer loop, exactly as §4.4 describes:
// "drain step (called by both the enqueue fast path and the Writer's
// selector loop)".
func (s *Server) drainConnection(c *connection) {
	deadline := s.cfg.Clock.Now().Add(s.cfg.WriteDeadline)
	for {
		head, ok := c.peekHead()
		if !ok {
			return
		}

		n, err := writeChunked(c.netConn, head.response, s.cfg.WriteChunkSize, deadline)
		if err != nil {
			s.cfg.Logger.Debug("rpcserver: write failed, closing connection", "remote", c.remoteAddr, "error", err)
			c.close()
			return
		}
		head.response = head.response[n:]
		if len(head.response) > 0 {
			// Partial write: the deadline was hit mid-buffer. Leave
			// the remainder at the head of the queue and ask the
			// Writer to revisit this connection.
			s.writer.markDirty(c)
			return
		}

		s.throttler.Decrease(int64(head.responseSize))
		s.cfg.Metrics.BytesQueued(-int64(head.responseSize))
		c.outstandingRPCs.Add(-1)
		empty := c.popHead()
		if empty {
			return
		}
		// More queued; keep draining within the same deadline budget.
	}
}

// writeChunked writes buf to conn in chunkSize pieces, bounded by
// deadline. Splitting large writes into chunks mirrors the reference
// implementation's NIO_BUFFER_LIMIT handling, which avoided inflating
// a direct ByteBuffer to the size of one enormous response; in Go the
// chunking instead gives the deadline a chance to interrupt a slow
// write partway through a large buffer rather than blocking on one
// giant syscall. A deadline timeout is not an error: it reports
// however many bytes made it out so the caller can requeue the rest.
func writeChunked(conn net.Conn, buf []byte, chunkSize int, deadline time.Time) (int, error) {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	defer conn.SetWriteDeadline(time.Time{})

	written := 0
	for written < len(buf) {
		end := written + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := conn.Write(buf[written:end])
		written += n
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return written, nil
			}
			return written, err
		}
	}
	return written, nil
}

// purgeStaleResponses closes every connection whose head response has
// sat unsent for longer than ResponsePurgeAge, bounding per-connection
// response latency the way §4.4's 15-minute Writer scan does.
func (s *Server) purgeStaleResponses() {
	now := s.cfg.Clock.Now()
	for _, c := range s.registry.snapshot() {
		head, ok := c.peekHead()
		if !ok {
			continue
		}
		if now.Sub(head.respondedAt) >= s.cfg.ResponsePurgeAge {
			s.cfg.Logger.Warn("rpcserver: purging connection with stale undrained response", "remote", c.remoteAddr)
			c.close()
		}
	}
}

func (s *Server) purgeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.cfg.Clock.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeStaleResponses()
		}
	}
}
