// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bureau-foundation/hrpc/lib/rpcserver/compress"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/rpcerror"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

// acceptLoop is the Acceptor role: it owns the listening socket and,
// for every accepted connection, applies socket options, registers a
// *connection, and spawns that connection's dedicated read goroutine.
// Go's listener Accept already blocks the calling goroutine exactly
// the way a selector wakeup would block a selector thread, so there is
// no separate "batch of ≤10 per wakeup" step to replicate — Accept
// naturally returns one connection at a time and the loop simply
// keeps calling it.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.cfg.Logger.Warn("rpcserver: accept failed", "error", err)
			continue
		}

		if tc, ok := nc.(*net.TCPConn); ok {
			if s.cfg.TCPNoDelay {
				_ = tc.SetNoDelay(true)
			}
			if s.cfg.TCPKeepAlivePeriod > 0 {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(s.cfg.TCPKeepAlivePeriod)
			} else {
				_ = tc.SetKeepAlive(false)
			}
			if s.cfg.SocketSendBufferSize > 0 {
				_ = tc.SetWriteBuffer(s.cfg.SocketSendBufferSize)
			}
		}

		conn := newConnection(s, nc)
		s.registry.add(conn)
		s.cfg.Metrics.ConnectionOpened()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readLoop(ctx, conn)
		}()

		s.maybeSweepIdle(false)
	}
}

// readLoop owns every blocking read for one connection, from the
// initial magic/version handshake through every subsequent frame,
// until an error or shutdown ends it. Because it is the sole reader of
// this socket, per-connection frame order is automatically preserved:
// the next frame is never read until the current one has been fully
// decoded and handed to the Call Queue.
func (s *Server) readLoop(ctx context.Context, c *connection) {
	defer c.close()

	if err := s.readHandshake(c); err != nil {
		s.cfg.Logger.Debug("rpcserver: handshake failed", "remote", c.remoteAddr, "error", err)
		return
	}

	identity, isPing, err := s.readFrame(c)
	if err != nil {
		s.cfg.Logger.Debug("rpcserver: reading identity frame failed", "remote", c.remoteAddr, "error", err)
		return
	}
	if !isPing {
		c.setIdentity(identity)
	}
	c.touch(s.cfg.Clock.Now())

	for {
		if err := s.readOneCall(ctx, c); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.cfg.Logger.Debug("rpcserver: connection read ended", "remote", c.remoteAddr, "error", err)
			}
			return
		}
	}
}

// readHandshake reads the one-time magic + version prefix sent on the
// first frame of a connection.
func (s *Server) readHandshake(c *connection) error {
	var magic [4]byte
	if _, err := io.ReadFull(c.netConn, magic[:]); err != nil {
		return fmt.Errorf("%w: reading magic: %v", rpcerror.ErrProtocolViolation, err)
	}
	if magic != wire.Magic {
		return fmt.Errorf("%w: bad magic %q", rpcerror.ErrProtocolViolation, magic)
	}

	var versionBuf [1]byte
	if _, err := io.ReadFull(c.netConn, versionBuf[:]); err != nil {
		return fmt.Errorf("%w: reading version: %v", rpcerror.ErrProtocolViolation, err)
	}
	version := versionBuf[0]
	if !wire.SupportedVersion(version) {
		return fmt.Errorf("%w: unsupported version %d", rpcerror.ErrProtocolViolation, version)
	}
	c.version = version
	return nil
}

// readFrame reads one length-prefixed frame and returns its payload.
// isPing is true when the length prefix was the PING sentinel, in
// which case payload is nil and no bytes were read beyond the prefix.
func (s *Server) readFrame(c *connection) (payload []byte, isPing bool, err error) {
	length, err := wire.ReadLengthPrefix(c.netConn)
	if err != nil {
		return nil, false, err
	}
	if length == wire.PingLength {
		return nil, true, nil
	}
	if length < 0 {
		return nil, false, fmt.Errorf("%w: negative frame length %d", rpcerror.ErrProtocolViolation, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.netConn, buf); err != nil {
		return nil, false, fmt.Errorf("%w: reading frame payload: %v", rpcerror.ErrProtocolViolation, err)
	}
	return buf, false, nil
}

// readOneCall reads one frame and, unless it is a PING, decodes it
// into a *call through the bounded deserialization pool and hands that
// call to the Call Queue.
func (s *Server) readOneCall(ctx context.Context, c *connection) error {
	payload, isPing, err := s.readFrame(c)
	if err != nil {
		return err
	}
	if isPing {
		c.touch(s.cfg.Clock.Now())
		return nil
	}

	var decoded *call
	poolErr := s.deserPool.run(ctx, func() error {
		decoded, err = s.parseCall(c, payload)
		return err
	})
	if poolErr != nil {
		return poolErr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", rpcerror.ErrDecodeFailed, err)
	}

	now := s.cfg.Clock.Now()
	decoded.receivedAt = now
	c.touch(now)
	c.outstandingRPCs.Add(1)

	if err := s.callQueue.put(ctx, decoded); err != nil {
		return err
	}
	s.cfg.Metrics.QueueDepth(s.callQueue.depth())
	return nil
}

// parseCall implements the Call-parse step of §4.2: call id, optional
// options record, optional decompression wrap, then the
// application-defined request object.
func (s *Server) parseCall(c *connection, payload []byte) (*call, error) {
	r := bytes.NewReader(payload)

	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, fmt.Errorf("reading call id: %w", err)
	}
	callID := int32(binary.BigEndian.Uint32(idBuf[:]))

	opts := wire.Options{TxCompression: wire.CompressionNone, RxCompression: wire.CompressionNone}
	if c.version >= wire.Version4 {
		var err error
		opts, err = wire.ReadOptions(r)
		if err != nil {
			return nil, fmt.Errorf("reading options record: %w", err)
		}
	}

	bodyReader, err := compress.NewReader(r, opts.TxCompression)
	if err != nil {
		return nil, fmt.Errorf("opening request decompression stream: %w", err)
	}
	defer bodyReader.Close()

	request, err := s.cfg.RequestDecoder(bodyReader)
	if err != nil {
		return nil, fmt.Errorf("decoding request object: %w", err)
	}

	return &call{
		id:            callID,
		conn:          c,
		version:       c.version,
		tag:           opts.Tag,
		profile:       opts.ProfileRequested,
		txCompression: opts.TxCompression,
		rxCompression: opts.RxCompression,
		request:       request,
	}, nil
}
