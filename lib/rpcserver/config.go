// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/bureau-foundation/hrpc/lib/clock"
)

// Action tells a resource-pressure handler how the server should
// respond once it returns.
type Action int

const (
	// ActionContinue logs the condition and keeps serving.
	ActionContinue Action = iota
	// ActionExit stops the server the way a call to Stop would.
	ActionExit
)

// Config holds every tunable of a Server. Populate it with
// DefaultConfig and override individual fields, matching the
// cmd/bureau-daemon convention of a flag-populated Config struct
// rather than a config file.
type Config struct {
	// BindAddress is the address Listen binds, e.g. "0.0.0.0" or "".
	BindAddress string
	// Port is the TCP port Listen binds. 0 picks an ephemeral port,
	// useful in tests — read it back from Server.Addr after Start.
	Port int

	// TCPNoDelay disables Nagle's algorithm on accepted connections.
	TCPNoDelay bool
	// TCPKeepAlivePeriod enables and configures TCP keepalive on
	// accepted connections. Zero disables keepalive.
	TCPKeepAlivePeriod time.Duration
	// SocketSendBufferSize sets SO_SNDBUF on accepted connections via
	// net.TCPConn.SetWriteBuffer. Zero leaves the OS default.
	SocketSendBufferSize int

	// HandlerCount is the number of Handler goroutines draining the
	// Call Queue. Defaults to runtime.GOMAXPROCS(0).
	HandlerCount int
	// PerHandlerQueueLimit bounds the Call Queue: capacity is
	// HandlerCount * PerHandlerQueueLimit. A Reader that fills the
	// queue blocks until a Handler makes room.
	PerHandlerQueueLimit int
	// DeserializationPoolMaxSize bounds the number of frame
	// decode/decompress operations running concurrently across all
	// connections. Defaults to runtime.GOMAXPROCS(0)+1.
	DeserializationPoolMaxSize int

	// MaxResponseSize caps the uncompressed bytes a single Dispatcher
	// call may write to its response. Exceeding it converts the reply
	// into an ordinary error frame rather than a disconnect.
	MaxResponseSize int64
	// ResponseByteCeiling caps the total bytes outstanding across all
	// connections' Response Queues (see Throttler). Handlers block in
	// Throttler.Increase once this ceiling is reached.
	ResponseByteCeiling int64

	// IdleConnectionThreshold is the live-connection count above which
	// the idle sweep starts evicting idle connections.
	IdleConnectionThreshold int
	// MaxIdlePerSweep caps evictions performed by a single sweep pass.
	MaxIdlePerSweep int
	// IdleTimeout is how long a connection may go without a completed
	// request before the idle sweep is eligible to close it.
	IdleTimeout time.Duration
	// SweepInterval is the minimum spacing between idle sweeps.
	SweepInterval time.Duration

	// ResponsePurgeAge is the maximum time a built response may sit at
	// the head of a connection's Response Queue before the Writer's
	// purge closes the connection out from under it.
	ResponsePurgeAge time.Duration
	// PurgeInterval is how often the purge sweep runs.
	PurgeInterval time.Duration

	// WriteChunkSize bounds a single Write syscall issued by the
	// Writer, matching the reference implementation's NIO_BUFFER_LIMIT
	// chunking of large buffers.
	WriteChunkSize int
	// WriteDeadline bounds how long the Writer may block draining one
	// connection before yielding back to the dirty-set loop.
	WriteDeadline time.Duration

	// MemorySoftLimitBytes, if non-zero, enables a background monitor
	// that samples runtime.MemStats.HeapAlloc and invokes OOMEHandler
	// when the sample exceeds this limit. Go cannot intercept a true
	// out-of-memory condition the way the reference implementation's
	// catch(OutOfMemoryError) does — a real OOM is a fatal,
	// unrecoverable runtime error — so this is a soft, best-effort
	// analogue: proactive backpressure before the process is killed,
	// not a catch block for the same event.
	MemorySoftLimitBytes uint64
	// MemoryCheckInterval is how often the memory monitor samples
	// HeapAlloc. Defaults to 30s.
	MemoryCheckInterval time.Duration
	// OOMEHandler is invoked when the memory monitor fires. A nil
	// handler disables the monitor regardless of MemorySoftLimitBytes.
	OOMEHandler func(error) Action

	// RequestDecoder decodes an application request object from a
	// frame's (already decompressed) payload stream. Required.
	RequestDecoder RequestDecoder
	// Dispatcher maps a decoded request to a response object. Required.
	Dispatcher Dispatcher

	// Metrics receives lifecycle counters. A nil Metrics is replaced
	// with a no-op implementation.
	Metrics Metrics

	// Clock abstracts time for the idle sweep, purge sweep, and memory
	// monitor. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives structured diagnostic events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with every field set to a reasonable
// production default. Callers still must set RequestDecoder and
// Dispatcher.
func DefaultConfig() Config {
	procs := runtime.GOMAXPROCS(0)
	return Config{
		BindAddress: "127.0.0.1",
		Port:        0,

		TCPNoDelay:            true,
		TCPKeepAlivePeriod:    30 * time.Second,
		SocketSendBufferSize:  0,
		HandlerCount:          procs,
		PerHandlerQueueLimit:  100,
		DeserializationPoolMaxSize: procs + 1,

		MaxResponseSize:     64 << 20, // 64 MiB
		ResponseByteCeiling: 1 << 30,  // 1 GiB

		IdleConnectionThreshold: 4000,
		MaxIdlePerSweep:         10,
		IdleTimeout:             10 * time.Minute,
		SweepInterval:           10 * time.Second,

		ResponsePurgeAge: 15 * time.Minute,
		PurgeInterval:    15 * time.Minute,

		WriteChunkSize: 8 << 10, // 8 KiB
		WriteDeadline:  5 * time.Second,

		MemorySoftLimitBytes: 0,

		Clock: clock.Real(),
	}
}

func (c *Config) fillDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	if c.HandlerCount <= 0 {
		c.HandlerCount = runtime.GOMAXPROCS(0)
	}
	if c.PerHandlerQueueLimit <= 0 {
		c.PerHandlerQueueLimit = 100
	}
	if c.DeserializationPoolMaxSize <= 0 {
		c.DeserializationPoolMaxSize = runtime.GOMAXPROCS(0) + 1
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 64 << 20
	}
	if c.ResponseByteCeiling <= 0 {
		c.ResponseByteCeiling = 1 << 30
	}
	if c.IdleConnectionThreshold <= 0 {
		c.IdleConnectionThreshold = 4000
	}
	if c.MaxIdlePerSweep <= 0 {
		c.MaxIdlePerSweep = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.ResponsePurgeAge <= 0 {
		c.ResponsePurgeAge = 15 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 15 * time.Minute
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = 8 << 10
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 5 * time.Second
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = 30 * time.Second
	}
}

// Metrics receives counters from a running Server. Implementations
// must be safe for concurrent use. A method set deliberately narrower
// than a full metrics client — it names only the counters this
// package's own logic needs to update, leaving aggregation/export to
// whatever the embedder already uses (Prometheus, StatsD, ...).
type Metrics interface {
	CallsHandled(dispatchErr bool)
	BytesQueued(delta int64)
	ConnectionOpened()
	ConnectionClosed()
	QueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) CallsHandled(bool)   {}
func (noopMetrics) BytesQueued(int64)   {}
func (noopMetrics) ConnectionOpened()   {}
func (noopMetrics) ConnectionClosed()   {}
func (noopMetrics) QueueDepth(int)      {}
