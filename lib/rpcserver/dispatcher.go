// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"context"
	"io"
	"time"
)

// RequestDecoder decodes one application request object from r, the
// already-decompressed body of a single frame. It runs inside the
// bounded deserialization pool, so it should do CPU work only — no
// further blocking I/O.
type RequestDecoder func(r io.Reader) (any, error)

// Encodable is implemented by application response objects. Encode
// writes the wire representation of the response to w; w may be
// wrapped in a size-limiting writer, so implementations should not
// buffer the entire output internally before writing.
type Encodable interface {
	Encode(w io.Writer) error
}

// Dispatcher maps one decoded request to a response object (or an
// error, which becomes an error response frame). It runs inside a
// Handler goroutine with the connection's negotiated options already
// resolved onto CallContext.
type Dispatcher func(ctx context.Context, call *CallContext, request any) (Encodable, error)

// CallContext carries the per-call metadata a Dispatcher needs but
// that does not belong in the decoded request object itself: which
// connection the call arrived on, what the client negotiated, and
// when the frame was read. It plays the role the reference
// implementation gives a thread-local "current call" handle
// (Server.getCurrentCall()) — passed explicitly here instead, since Go
// has no per-goroutine implicit context other than the one threaded
// through call arguments.
type CallContext struct {
	// CallID is the client-assigned identifier echoed on the response
	// frame.
	CallID int32
	// Version is the negotiated protocol version for this connection.
	Version uint8
	// Tag is the client-supplied opaque request label (version 4 only;
	// empty otherwise).
	Tag string
	// ProfileRequested reports whether the client asked for a
	// profiling record attached to the response.
	ProfileRequested bool
	// RemoteAddr is the connection's remote address string.
	RemoteAddr string
	// Identity is the opaque identity blob sent once at connection
	// setup. The core does not interpret its contents.
	Identity []byte
	// ReceivedAt is when the frame's length-prefixed payload finished
	// arriving off the wire.
	ReceivedAt time.Time
}

type callContextKey struct{}

// WithCallContext returns a context carrying cc, retrievable later
// with FromContext.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// FromContext retrieves the CallContext stored by WithCallContext, if
// any.
func FromContext(ctx context.Context) (*CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*CallContext)
	return cc, ok
}

// ProfilingData is the per-call profiling record attached to a
// response frame when CallContext.ProfileRequested is true. Extra
// holds implementation-specific named timings beyond the one field
// the core itself measures, so an embedder can add its own breakdown
// (e.g. "decode_ms", "dispatch_ms") without a wire format change.
type ProfilingData struct {
	TotalServerTimeMillis int64            `cbor:"total_server_time_ms"`
	Extra                 map[string]int64 `cbor:"extra,omitempty"`
}
