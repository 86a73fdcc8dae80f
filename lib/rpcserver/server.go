// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/hrpc/lib/rpcserver/rpcerror"
)

const (
	stateConstructed int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Server ties every component role together: Acceptor, Readers,
// Handler pool, Writer, and the shared Throttler/Call Queue/Connection
// Registry they coordinate through. Construct one with NewServer,
// call Start, and Stop/Join when done.
type Server struct {
	cfg Config

	listener net.Listener
	registry *connectionRegistry
	callQueue *callQueue
	throttler *throttler
	deserPool *deserializationPool
	writer    *writer

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewServer validates cfg, fills in defaults, and constructs a Server
// in the "constructed" lifecycle state. Call Start to begin serving.
func NewServer(cfg Config) (*Server, error) {
	cfg.fillDefaults()
	if cfg.RequestDecoder == nil {
		return nil, fmt.Errorf("rpcserver: Config.RequestDecoder is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("rpcserver: Config.Dispatcher is required")
	}

	return &Server{
		cfg:       cfg,
		registry:  newConnectionRegistry(),
		callQueue: newCallQueue(cfg.HandlerCount * cfg.PerHandlerQueueLimit),
		throttler: newThrottler(cfg.ResponseByteCeiling),
		deserPool: newDeserializationPool(cfg.DeserializationPoolMaxSize),
	}, nil
}

// Start binds the listen socket and spawns every worker goroutine:
// the Writer, the Acceptor, the Handler pool, the idle sweep, the
// purge sweep, and (if configured) the memory monitor. Returns a
// descriptive error on bind failure; everything else runs
// asynchronously.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(stateConstructed, stateRunning) {
		return fmt.Errorf("rpcserver: Start called more than once")
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(stateConstructed)
		return classifyBindError(err)
	}
	s.listener = ln
	s.writer = newWriter(s)

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel

	s.wg.Add(1)
	go s.writerLoop()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	for i := 0; i < s.cfg.HandlerCount; i++ {
		s.wg.Add(1)
		go s.handlerLoop(ctx)
	}

	s.wg.Add(1)
	go s.idleSweepLoop(ctx)

	s.wg.Add(1)
	go s.purgeLoop(ctx)

	if s.cfg.MemorySoftLimitBytes > 0 && s.cfg.OOMEHandler != nil {
		s.wg.Add(1)
		go s.memoryMonitorLoop(ctx)
	}

	s.cfg.Logger.Info("rpcserver: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the address the listen socket actually bound, useful
// when Config.Port was 0 (ephemeral port selection).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop ends the running lifecycle state: stops accepting new
// connections, cancels every worker's context, and force-closes every
// live connection, draining and refunding their Response Queues.
// Outstanding Handler work in flight may or may not finish — matching
// §4.5's "outstanding responses are not guaranteed to drain". Call
// Join afterward to wait for every goroutine to actually exit.
//
// Closing the listener and every live connection are independent
// operations on independent resources; any of them can fail without
// stopping the rest from being attempted, so their errors are
// collected with multierr rather than the first one masking the rest.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}

	s.cancel()
	var err error
	err = multierr.Append(err, s.listener.Close())
	s.throttler.Close()
	s.writer.stop()

	for _, c := range s.registry.snapshot() {
		err = multierr.Append(err, c.close())
	}

	s.state.Store(stateStopped)
	return err
}

// Join blocks until every worker goroutine spawned by Start has
// exited. Call Stop first; Join on a server that was never stopped
// blocks forever.
func (s *Server) Join() {
	s.wg.Wait()
}

// Stats is a snapshot of server-wide counters, useful for tests and
// for an embedder's own metrics export.
type Stats struct {
	ActiveConnections int
	QueuedResponseBytes int64
	CallQueueDepth      int
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections:   s.registry.len(),
		QueuedResponseBytes: s.throttler.Current(),
		CallQueueDepth:      s.callQueue.depth(),
	}
}

// maybeSweepIdle runs the idle-connection eviction pass described in
// §4.1: triggered once live connections exceed IdleConnectionThreshold
// (or unconditionally when force is set, as the memory monitor does
// after a soft-limit trip), picking a random contiguous window of the
// registry and evicting up to MaxIdlePerSweep connections that have
// both been idle past IdleTimeout and have zero outstanding RPCs.
func (s *Server) maybeSweepIdle(force bool) {
	total := s.registry.len()
	if total == 0 {
		return
	}
	if !force && total <= s.cfg.IdleConnectionThreshold {
		return
	}

	now := s.cfg.Clock.Now()
	s.sweepMu.Lock()
	if !force && now.Sub(s.lastSweep) < s.cfg.SweepInterval {
		s.sweepMu.Unlock()
		return
	}
	s.lastSweep = now
	s.sweepMu.Unlock()

	window := s.cfg.MaxIdlePerSweep * 4
	candidates := s.registry.contiguousRange(rand.IntN(total), window)

	evicted := 0
	for _, c := range candidates {
		if evicted >= s.cfg.MaxIdlePerSweep {
			return
		}
		if c.outstandingRPCs.Load() != 0 {
			continue
		}
		if c.idleSince(now) > s.cfg.IdleTimeout {
			c.close()
			evicted++
		}
	}
}

func (s *Server) idleSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeSweepIdle(false)
		}
	}
}

// memoryMonitorLoop is the best-effort analogue of the reference
// implementation's catch(OutOfMemoryError) recovery path. A real OOM
// in Go is a fatal runtime error the process cannot catch, so this
// instead samples heap usage and calls the configured handler before
// the process gets anywhere near that point.
func (s *Server) memoryMonitorLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.cfg.Clock.NewTicker(s.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			if mem.HeapAlloc < s.cfg.MemorySoftLimitBytes {
				continue
			}
			switch s.cfg.OOMEHandler(rpcerror.ErrMemoryPressure) {
			case ActionExit:
				s.cfg.Logger.Error("rpcserver: memory soft limit exceeded, stopping")
				go s.Stop()
				return
			default:
				s.cfg.Logger.Warn("rpcserver: memory soft limit exceeded, continuing", "heap_alloc", mem.HeapAlloc)
				s.cfg.Clock.Sleep(60 * time.Second)
				s.maybeSweepIdle(true)
			}
		}
	}
}

// classifyBindError distinguishes the listen-failure causes §4.1
// requires a caller be able to tell apart.
func classifyBindError(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("rpcserver: address already in use: %w", err)
	}
	if errors.Is(err, syscall.EACCES) {
		return fmt.Errorf("rpcserver: permission denied binding listen socket: %w", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("rpcserver: unresolvable bind host: %w", err)
	}
	return fmt.Errorf("rpcserver: listen failed: %w", err)
}
