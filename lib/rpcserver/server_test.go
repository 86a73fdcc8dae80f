// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/bureau-foundation/hrpc/lib/clock"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/compress"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

// --- test application protocol: request and response are plain UTF strings ---

func decodeStringRequest(r io.Reader) (any, error) {
	return wire.ReadUTF(r)
}

type stringResponse string

func (s stringResponse) Encode(w io.Writer) error {
	return wire.WriteUTF(w, string(s))
}

type appError struct{ msg string }

func (e *appError) Error() string { return e.msg }

func echoDispatcher(ctx context.Context, call *CallContext, request any) (Encodable, error) {
	text, _ := request.(string)
	if text == "boom" {
		return nil, &appError{msg: "bad"}
	}
	return stringResponse(text), nil
}

// --- test harness ---

func startTestServer(t *testing.T, configure func(*Config)) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.RequestDecoder = decodeStringRequest
	cfg.Dispatcher = echoDispatcher
	if configure != nil {
		configure(&cfg)
	}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		s.Join()
	})
	return s, s.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, conn net.Conn, version uint8, identity []byte) {
	t.Helper()
	if _, err := conn.Write(wire.Magic[:]); err != nil {
		t.Fatalf("writing magic: %v", err)
	}
	if _, err := conn.Write([]byte{version}); err != nil {
		t.Fatalf("writing version: %v", err)
	}
	if err := wire.WriteLengthPrefix(conn, uint32(len(identity))); err != nil {
		t.Fatalf("writing identity length: %v", err)
	}
	if len(identity) > 0 {
		if _, err := conn.Write(identity); err != nil {
			t.Fatalf("writing identity: %v", err)
		}
	}
}

func sendPing(t *testing.T, conn net.Conn) {
	t.Helper()
	var buf [4]byte
	// binary.BigEndian.PutUint32 of a negative int32 cast to uint32.
	pingLength := wire.PingLength
	n := uint32(pingLength)
	buf[0] = byte(n >> 24)
	buf[1] = byte(n >> 16)
	buf[2] = byte(n >> 8)
	buf[3] = byte(n)
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
}

func sendCall(t *testing.T, conn net.Conn, version uint8, callID int32, opts wire.Options, text string) {
	t.Helper()
	payload := &bytes.Buffer{}
	var idBuf [4]byte
	idBuf[0] = byte(uint32(callID) >> 24)
	idBuf[1] = byte(uint32(callID) >> 16)
	idBuf[2] = byte(uint32(callID) >> 8)
	idBuf[3] = byte(uint32(callID))
	payload.Write(idBuf[:])

	if version >= wire.Version4 {
		if err := wire.WriteOptions(payload, opts); err != nil {
			t.Fatalf("writing options: %v", err)
		}
	}

	comp, err := compress.NewWriter(payload, opts.TxCompression)
	if err != nil {
		t.Fatalf("opening compression writer: %v", err)
	}
	if err := wire.WriteUTF(comp, text); err != nil {
		t.Fatalf("writing request body: %v", err)
	}
	if err := comp.Close(); err != nil {
		t.Fatalf("closing compression writer: %v", err)
	}

	if err := wire.WriteLengthPrefix(conn, uint32(payload.Len())); err != nil {
		t.Fatalf("writing frame length: %v", err)
	}
	if _, err := conn.Write(payload.Bytes()); err != nil {
		t.Fatalf("writing frame payload: %v", err)
	}
}

type testResponse struct {
	callID          int32
	isError         bool
	compressionName string
	text            string
	errClass        string
	errMessage      string
	profiled        bool
}

func readResponse(t *testing.T, conn net.Conn, version uint8) testResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	length, err := wire.ReadLengthPrefix(conn)
	if err != nil {
		t.Fatalf("reading response length: %v", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	r := bytes.NewReader(buf)

	var idBuf [4]byte
	io.ReadFull(r, idBuf[:])
	callID := int32(uint32(idBuf[0])<<24 | uint32(idBuf[1])<<16 | uint32(idBuf[2])<<8 | uint32(idBuf[3]))

	errFlag, _ := r.ReadByte()
	resp := testResponse{callID: callID, isError: errFlag != 0}

	if version >= wire.Version4 {
		name, err := wire.ReadUTF(r)
		if err != nil {
			t.Fatalf("reading compression name: %v", err)
		}
		resp.compressionName = name
	}

	algo := wire.CompressionNone
	if resp.compressionName != "" {
		algo, err = wire.ParseCompressionName(resp.compressionName)
		if err != nil {
			t.Fatalf("parsing compression name: %v", err)
		}
	}
	body, err := compress.NewReader(r, algo)
	if err != nil {
		t.Fatalf("opening response decompression stream: %v", err)
	}
	defer body.Close()

	if resp.isError {
		resp.errClass, err = wire.ReadUTF(body)
		if err != nil {
			t.Fatalf("reading error class: %v", err)
		}
		resp.errMessage, err = wire.ReadUTF(body)
		if err != nil {
			t.Fatalf("reading error message: %v", err)
		}
		return resp
	}

	resp.text, err = wire.ReadUTF(body)
	if err != nil {
		t.Fatalf("reading response text: %v", err)
	}
	if version >= wire.Version4 {
		var flag [1]byte
		if _, err := io.ReadFull(body, flag[:]); err != nil {
			t.Fatalf("reading profiled flag: %v", err)
		}
		resp.profiled = flag[0] != 0
	}
	return resp
}

// --- S1 Echo ---

func TestEcho(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	sendCall(t, conn, wire.Version4, 7, wire.Options{TxCompression: wire.CompressionNone, RxCompression: wire.CompressionNone}, "ping")
	resp := readResponse(t, conn, wire.Version4)
	if resp.callID != 7 || resp.isError || resp.text != "ping" {
		t.Fatalf("response = %+v, want echo of \"ping\" on call id 7", resp)
	}
}

// --- S2 Compressed ---

func TestEchoCompressed(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	sendCall(t, conn, wire.Version4, 1, wire.Options{TxCompression: wire.CompressionNone, RxCompression: wire.CompressionGzip}, "pong")
	resp := readResponse(t, conn, wire.Version4)
	if resp.isError {
		t.Fatalf("unexpected error response: %+v", resp)
	}
	if resp.compressionName != "GZ" {
		t.Fatalf("compressionName = %q, want GZ", resp.compressionName)
	}
	if resp.text != "pong" {
		t.Fatalf("text = %q, want pong", resp.text)
	}
}

// --- S3 Error ---

func TestDispatcherErrorKeepsConnectionOpen(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	sendCall(t, conn, wire.Version4, 7, wire.Options{}, "boom")
	resp := readResponse(t, conn, wire.Version4)
	if !resp.isError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.errMessage != "bad" {
		t.Fatalf("errMessage = %q, want bad", resp.errMessage)
	}

	// The connection must still accept further calls.
	sendCall(t, conn, wire.Version4, 8, wire.Options{}, "still alive")
	resp = readResponse(t, conn, wire.Version4)
	if resp.isError || resp.text != "still alive" {
		t.Fatalf("follow-up call failed: %+v", resp)
	}
}

// --- S4 Bad magic ---

func TestBadMagicClosesConnection(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	if _, err := conn.Write([]byte("xxxx")); err != nil {
		t.Fatalf("writing bad magic: %v", err)
	}
	if _, err := conn.Write([]byte{wire.Version4}); err != nil {
		t.Fatalf("writing version: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed after bad magic, got a successful read")
	}
	if !errors.Is(err, io.EOF) {
		var ne net.Error
		if !errors.As(err, &ne) {
			t.Fatalf("expected EOF or a net.Error, got %v", err)
		}
	}
}

// --- Version 3 (no options record) ---

func TestVersion3NoOptionsRecord(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version3, nil)

	sendCall(t, conn, wire.Version3, 1, wire.Options{}, "v3")
	resp := readResponse(t, conn, wire.Version3)
	if resp.isError || resp.text != "v3" {
		t.Fatalf("response = %+v, want echo of v3", resp)
	}
	if resp.compressionName != "" {
		t.Fatalf("version 3 response should carry no compression name field, got %q", resp.compressionName)
	}
}

// --- Testable property 7: PING is not dispatched ---

func TestPingNotDispatched(t *testing.T) {
	_, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	sendPing(t, conn)
	sendCall(t, conn, wire.Version4, 1, wire.Options{}, "after-ping")
	resp := readResponse(t, conn, wire.Version4)
	if resp.callID != 1 || resp.isError || resp.text != "after-ping" {
		t.Fatalf("response = %+v, want the only reply to be call id 1", resp)
	}
}

// --- Testable property 2: per-connection arrival ordering ---

func TestPipelinedRequestsDispatchedInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	_, addr := startTestServer(t, func(cfg *Config) {
		cfg.HandlerCount = 1
		cfg.Dispatcher = func(ctx context.Context, call *CallContext, request any) (Encodable, error) {
			text, _ := request.(string)
			mu.Lock()
			order = append(order, text)
			mu.Unlock()
			return stringResponse(text), nil
		}
	})
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	for i, text := range []string{"a", "b", "c"} {
		sendCall(t, conn, wire.Version4, int32(i), wire.Options{}, text)
	}
	for range 3 {
		readResponse(t, conn, wire.Version4)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// --- Testable property 3: response ordering by completion, not arrival ---

func TestResponsesOrderedByCompletionNotArrival(t *testing.T) {
	release := make(chan struct{})

	_, addr := startTestServer(t, func(cfg *Config) {
		cfg.HandlerCount = 2
		cfg.Dispatcher = func(ctx context.Context, call *CallContext, request any) (Encodable, error) {
			text, _ := request.(string)
			if text == "first-but-slow" {
				<-release
			}
			return stringResponse(text), nil
		}
	})
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)

	sendCall(t, conn, wire.Version4, 1, wire.Options{}, "first-but-slow")
	sendCall(t, conn, wire.Version4, 2, wire.Options{}, "second-but-fast")

	// The fast call must finish and be written first.
	first := readResponse(t, conn, wire.Version4)
	if first.callID != 2 {
		t.Fatalf("first response callID = %d, want 2 (the fast one)", first.callID)
	}

	close(release)
	second := readResponse(t, conn, wire.Version4)
	if second.callID != 1 {
		t.Fatalf("second response callID = %d, want 1", second.callID)
	}
}

// --- Testable property 4 / S5: throttler ceiling is never exceeded ---

func TestThrottlerCeilingNeverExceededUnderLoad(t *testing.T) {
	const ceiling = 4096
	s, addr := startTestServer(t, func(cfg *Config) {
		cfg.ResponseByteCeiling = ceiling
		cfg.HandlerCount = 4
	})

	big := string(bytes.Repeat([]byte{'x'}, 1024))
	var wg sync.WaitGroup
	peak := make(chan int64, 32)
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				peak <- s.Stats().QueuedResponseBytes
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := dial(t, addr)
			defer conn.Close()
			handshake(t, conn, wire.Version4, nil)
			sendCall(t, conn, wire.Version4, int32(n), wire.Options{}, big)
			readResponse(t, conn, wire.Version4)
		}(i)
	}
	wg.Wait()
	close(stop)

	for {
		select {
		case v := <-peak:
			if v > ceiling {
				t.Fatalf("observed queued response bytes %d exceeds ceiling %d", v, ceiling)
			}
		default:
			return
		}
	}
}

// --- S6 Purge ---
//
// A response only sits at a connection's queue head long enough to be
// purged when the Writer cannot drain it — reproducing that over a
// live loopback socket is racy, since the kernel send buffer usually
// absorbs a small reply before any test code can observe it queued.
// Instead this drives the same state the Writer's purge scan reads
// directly: a connection registered with the server, holding one
// response whose respondedAt has fallen behind ResponsePurgeAge.
func TestPurgeClosesConnectionWithStaleResponse(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	s, _ := startTestServer(t, func(cfg *Config) {
		cfg.Clock = fakeClock
		cfg.ResponsePurgeAge = 15 * time.Minute
		cfg.PurgeInterval = time.Minute
	})

	c := newTestConnection(t, s)
	s.registry.add(c)
	if wasEmpty, discarded := c.enqueueResponse(&call{id: 1, response: []byte("x"), responseSize: 1, respondedAt: fakeClock.Now()}); !wasEmpty || discarded {
		t.Fatalf("enqueueResponse: wasEmpty=%v discarded=%v", wasEmpty, discarded)
	}

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(15*time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.isClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection with a stale queued response was not purged")
}

// --- Idle eviction ---

func TestIdleConnectionEvictedAboveThreshold(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	s, addr := startTestServer(t, func(cfg *Config) {
		cfg.Clock = fakeClock
		// fillDefaults coerces a zero threshold up to its production
		// default, so use 1: with two live connections the sweep is
		// eligible as soon as both go idle.
		cfg.IdleConnectionThreshold = 1
		cfg.IdleTimeout = 1 * time.Minute
		cfg.SweepInterval = 1 * time.Second
	})

	for i := 0; i < 2; i++ {
		conn := dial(t, addr)
		handshake(t, conn, wire.Version4, nil)
		sendCall(t, conn, wire.Version4, int32(i), wire.Options{}, "warm-up")
		readResponse(t, conn, wire.Version4)
	}

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.registry.len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection was not evicted by the idle sweep; registry still has %d entries", s.registry.len())
}

// --- Byte accounting closure after Stop ---

func TestByteAccountingClosureAfterStop(t *testing.T) {
	s, addr := startTestServer(t, nil)
	conn := dial(t, addr)
	handshake(t, conn, wire.Version4, nil)
	sendCall(t, conn, wire.Version4, 1, wire.Options{}, "x")
	readResponse(t, conn, wire.Version4)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.Join()
	if got := s.Stats().QueuedResponseBytes; got != 0 {
		t.Fatalf("QueuedResponseBytes after Stop = %d, want 0", got)
	}
}

// --- Stop aggregates every close error instead of dropping all but one ---

type erroringListener struct{ net.Listener }

func (erroringListener) Close() error { return errors.New("listener close boom") }

type erroringConn struct{ net.Conn }

func (erroringConn) Close() error { return errors.New("conn close boom") }

func TestStopAggregatesCloseErrors(t *testing.T) {
	s := &Server{cfg: DefaultConfig()}
	s.cfg.fillDefaults()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.throttler = newThrottler(1 << 20)
	s.registry = newConnectionRegistry()
	s.writer = newWriter(s)
	s.listener = erroringListener{}
	s.state.Store(stateRunning)

	// A connection whose net.Conn fails to close, so connection.close
	// returns an error too. (Closing a net.Pipe end twice returns nil,
	// so an already-closed pipe would not exercise this.)
	c := newConnection(s, erroringConn{loopbackPipe(t)})
	s.registry.add(c)

	err := s.Stop()
	if err == nil {
		t.Fatal("Stop should report the listener-close and connection-close errors, not swallow them")
	}
	if !strings.Contains(err.Error(), "listener close boom") {
		t.Fatalf("Stop error = %v, want it to mention the listener close failure", err)
	}
	if got := multierr.Errors(err); len(got) != 2 {
		t.Fatalf("multierr.Errors(Stop()) = %d errors, want 2 (listener + connection)", len(got))
	}
}

