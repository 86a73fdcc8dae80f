// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"time"

	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

// call is one in-flight request: decoded on a Reader goroutine,
// dispatched and serialized by a Handler, then drained by the Writer.
// It carries two distinct timestamps rather than the reference
// implementation's single reused "timestamp" field, since the two
// moments it marks (frame fully read; response fully built) are
// needed independently — ReceivedAt feeds CallContext and latency
// metrics, RespondedAt feeds the Writer's 15-minute stale-response
// purge — and conflating them would make the purge fire off of
// request-arrival time instead of response-readiness time.
type call struct {
	id         int32
	conn       *connection
	version    uint8
	tag        string
	profile    bool
	txCompression wire.CompressionID // algorithm the client used on the request body
	rxCompression wire.CompressionID // algorithm the client wants on the response body

	receivedAt  time.Time
	respondedAt time.Time

	request any

	// response holds the not-yet-written tail of the serialized frame;
	// the Writer shrinks it from the front as bytes go out.
	// responseSize is the frame's original total length, fixed at
	// build time, used for Throttler accounting regardless of how much
	// of response has since been written.
	response     []byte
	responseSize int
}
