// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpcserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/bureau-foundation/hrpc/lib/codec"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/compress"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/rpcerror"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

// handlerLoop is one Handler worker: pop a call, dispatch it, build
// its response frame, append that frame to its connection's Response
// Queue. Handlers never talk to each other; they synchronize with the
// Writer only through the per-connection Response Queue (and, before
// that, through the Throttler).
func (s *Server) handlerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		c, ok := s.callQueue.take(ctx)
		if !ok {
			return
		}
		s.handleOne(ctx, c)
	}
}

func (s *Server) handleOne(ctx context.Context, call *call) {
	cc := &CallContext{
		CallID:           call.id,
		Version:          call.version,
		Tag:              call.tag,
		ProfileRequested: call.profile,
		RemoteAddr:       call.conn.remoteAddr,
		Identity:         call.conn.getIdentity(),
		ReceivedAt:       call.receivedAt,
	}
	dispatchCtx := WithCallContext(ctx, cc)

	response, dispatchErr := s.invokeDispatcher(dispatchCtx, cc, call.request)
	s.cfg.Metrics.CallsHandled(dispatchErr != nil)

	var elapsedMillis int64
	if !call.receivedAt.IsZero() {
		elapsedMillis = s.cfg.Clock.Now().Sub(call.receivedAt).Milliseconds()
	}

	frame, err := s.buildResponseFrame(call, response, dispatchErr, elapsedMillis)
	if err != nil {
		// The frame itself could not be built (e.g. the compression
		// algorithm negotiated by the client is unsupported). There is
		// no way to report this to the client without a working
		// response stream, so the connection is dropped.
		s.cfg.Logger.Warn("rpcserver: building response frame failed", "call_id", call.id, "error", err)
		call.conn.close()
		return
	}
	// On the wire every reply travels as a 4-byte big-endian length
	// followed by the frame itself.
	framed := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(frame)))
	copy(framed[4:], frame)
	frame = framed
	call.response = frame
	call.responseSize = len(frame)

	if err := s.throttler.Increase(int64(len(frame))); err != nil {
		// Server is stopping; no Writer will ever drain this frame.
		return
	}
	s.cfg.Metrics.BytesQueued(int64(len(frame)))

	call.respondedAt = s.cfg.Clock.Now()
	wasEmpty, discarded := call.conn.enqueueResponse(call)
	if discarded {
		s.throttler.Decrease(int64(len(frame)))
		return
	}
	if wasEmpty {
		s.drainConnection(call.conn)
	} else {
		s.writer.markDirty(call.conn)
	}
}

// invokeDispatcher calls the application dispatcher, converting a
// panic into an ordinary dispatch error so one misbehaving handler
// never takes down the whole server (the reference implementation's
// catch(Throwable) around the dispatcher invocation serves the same
// purpose).
func (s *Server) invokeDispatcher(ctx context.Context, cc *CallContext, request any) (resp Encodable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	return s.cfg.Dispatcher(ctx, cc, request)
}

// buildResponseFrame serializes one reply according to §4.3's layout.
// The response object is encoded into a scratch buffer under the
// per-call size ceiling first, uncompressed; only once that succeeds
// is the real frame (header + compressed body) assembled, so a
// size-ceiling violation mid-encode never leaves a partially-written
// compressed stream in the final frame.
func (s *Server) buildResponseFrame(call *call, response Encodable, dispatchErr error, elapsedMillis int64) ([]byte, error) {
	errClass, errMessage := "", ""
	if dispatchErr == nil && response != nil {
		scratch := &bytes.Buffer{}
		limited := &limitWriter{w: scratch, limit: s.cfg.MaxResponseSize}
		if encErr := response.Encode(limited); encErr != nil {
			if errors.Is(encErr, rpcerror.ErrResponseTooLarge) {
				dispatchErr = encErr
			} else {
				dispatchErr = fmt.Errorf("encoding response: %w", encErr)
			}
		} else {
			return s.assembleFrame(call, scratch.Bytes(), elapsedMillis)
		}
	}

	if dispatchErr == nil {
		dispatchErr = errors.New("dispatcher returned no response and no error")
	}
	errClass = errorClassName(dispatchErr)
	errMessage = dispatchErr.Error()
	return s.assembleErrorFrame(call, errClass, errMessage)
}

func (s *Server) assembleFrame(call *call, body []byte, elapsedMillis int64) ([]byte, error) {
	out := &bytes.Buffer{}
	writeCallHeader(out, call.id, false)
	if call.version >= wire.Version4 {
		if err := wire.WriteUTF(out, call.rxCompression.String()); err != nil {
			return nil, err
		}
	}

	comp, err := compress.NewWriter(out, call.rxCompression)
	if err != nil {
		return nil, fmt.Errorf("opening response compression stream: %w", err)
	}
	if _, err := comp.Write(body); err != nil {
		return nil, fmt.Errorf("writing compressed response body: %w", err)
	}

	if call.version >= wire.Version4 {
		profiled := call.profile
		if err := writeBool(comp, profiled); err != nil {
			return nil, err
		}
		if profiled {
			profilingData := ProfilingData{TotalServerTimeMillis: elapsedMillis}
			if err := codec.NewEncoder(comp).Encode(profilingData); err != nil {
				return nil, fmt.Errorf("encoding profiling record: %w", err)
			}
		}
	}

	if err := comp.Close(); err != nil {
		return nil, fmt.Errorf("closing response compression stream: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Server) assembleErrorFrame(call *call, errClass, errMessage string) ([]byte, error) {
	out := &bytes.Buffer{}
	writeCallHeader(out, call.id, true)
	if call.version >= wire.Version4 {
		if err := wire.WriteUTF(out, call.rxCompression.String()); err != nil {
			return nil, err
		}
	}

	comp, err := compress.NewWriter(out, call.rxCompression)
	if err != nil {
		return nil, fmt.Errorf("opening response compression stream: %w", err)
	}
	if err := wire.WriteUTF(comp, errClass); err != nil {
		return nil, err
	}
	if err := wire.WriteUTF(comp, errMessage); err != nil {
		return nil, err
	}
	if err := comp.Close(); err != nil {
		return nil, fmt.Errorf("closing response compression stream: %w", err)
	}
	return out.Bytes(), nil
}

func writeCallHeader(w *bytes.Buffer, callID int32, errorFlag bool) {
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(callID))
	w.Write(idBuf[:])
	if errorFlag {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func writeBool(w interface{ Write([]byte) (int, error) }, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

// errorClassName derives a stable, reflection-based class-like name for
// an error, standing in for the reference implementation's
// getClass().getName() on a caught Throwable.
func errorClassName(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, rpcerror.ErrResponseTooLarge) {
		return "rpcserver.ResponseTooLargeError"
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "error"
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// limitWriter enforces a cumulative byte ceiling across every Write
// call, standing in for the reference implementation's
// partial_response_size counter consulted by application code during
// handling.
type limitWriter struct {
	w       *bytes.Buffer
	limit   int64
	written int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.written+int64(len(p)) > l.limit {
		return 0, rpcerror.ErrResponseTooLarge
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
