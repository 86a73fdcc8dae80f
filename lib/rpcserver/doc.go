// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpcserver implements hrpc: a request/response RPC server
// that accepts many long-lived TCP connections, decodes
// length-prefixed binary frames (package
// github.com/bureau-foundation/hrpc/lib/rpcserver/wire), dispatches
// each decoded call to an application-supplied Dispatcher, and writes
// a response frame back on the same connection.
//
// # Component roles
//
// The server is composed of four long-lived roles plus per-connection
// state, mirroring the Acceptor/Reader/Handler/Writer split of the
// reference implementation this package's wire protocol comes from,
// translated to Go's goroutine-and-channel concurrency model instead
// of a hand-rolled NIO selector:
//
//   - Acceptor: one goroutine (acceptLoop) accepts connections one
//     per Accept call, sets socket options, and registers a
//     *connection.
//   - Reader: one goroutine per live connection performs the blocking
//     frame reads. Go's runtime parks that goroutine on the same
//     epoll/kqueue a Java NIO Selector would use, so thousands of idle
//     connections cost parked goroutines, not OS threads — no manual
//     selector bookkeeping is needed for the I/O-wait itself. The
//     CPU-bound half of the job (decompressing and decoding the call
//     body) is still funneled through a bounded deserializationPool so
//     that decode work, not just I/O, is capped regardless of
//     connection count.
//   - Handlers: a fixed handlerCount pool of goroutines pop one Call
//     at a time from the bounded Call Queue, invoke the Dispatcher,
//     serialize the reply, and append it to the connection's Response
//     Queue.
//   - Writer: one goroutine owns every connection's Response Queue.
//     Handlers and the Writer mark a connection "dirty" and signal a
//     sync.Cond instead of registering NIO OP_WRITE interest; the
//     Writer wakes, drains one dirty connection with a deadline-
//     bounded chunked write, and re-marks it dirty if bytes remain.
//
// See DESIGN.md at the repository root for the full grounding ledger
// and the Open Question resolutions this package makes concrete.
package rpcserver
