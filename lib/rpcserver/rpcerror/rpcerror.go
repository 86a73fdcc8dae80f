// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpcerror defines the error taxonomy for lib/rpcserver as
// sentinels that can be classified with errors.Is instead of matching
// strings. The Reader wraps its connection-ending errors in them, the
// Throttler and the memory monitor return them, and an oversized
// response is reported to the client under ErrResponseTooLarge. The
// errors returned by NewServer, Start and Stop do not wrap any of them.
package rpcerror

import "errors"

var (
	// ErrProtocolViolation marks a connection-ending framing error:
	// bad magic, unsupported version, or a malformed length prefix.
	// The connection is dropped without a response.
	ErrProtocolViolation = errors.New("rpcserver: protocol violation")

	// ErrDecodeFailed marks a failure to decode a call payload after
	// framing succeeded. Also connection-ending. The identity frame is
	// stored without decoding, so its failures never carry this error.
	ErrDecodeFailed = errors.New("rpcserver: decode failed")

	// ErrQueueFull names a saturated Call Queue. No code path in
	// lib/rpcserver returns it: the Call Queue has no non-blocking put,
	// and the Reader blocks on a full queue instead.
	ErrQueueFull = errors.New("rpcserver: call queue full")

	// ErrResponseTooLarge reports a per-call response that exceeded the
	// configured size ceiling. Reported to the client as an ordinary
	// error response frame, never as a protocol-level disconnect.
	ErrResponseTooLarge = errors.New("rpcserver: response exceeds size ceiling")

	// ErrServerStopped is returned by operations attempted after the
	// server has entered the stopping/stopped lifecycle state.
	ErrServerStopped = errors.New("rpcserver: server stopped")

	// ErrConnectionClosed names an enqueue attempt against a connection
	// whose closed flag is already set. enqueueResponse reports that
	// case through its discarded result and does not return this error.
	ErrConnectionClosed = errors.New("rpcserver: connection closed")

	// ErrMemoryPressure is passed to an installed OOMEHandler when the
	// memory monitor's soft limit is crossed. Go cannot intercept a
	// true out-of-memory condition (it is a fatal, unrecoverable
	// runtime error), so this models proactive backpressure rather
	// than a caught OutOfMemoryError.
	ErrMemoryPressure = errors.New("rpcserver: memory soft limit exceeded")
)
