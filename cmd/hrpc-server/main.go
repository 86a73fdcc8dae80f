// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command hrpc-server runs a minimal demonstration hrpc server: it
// registers a single "echo" dispatcher that reads a UTF request string
// and replies with the same string, so the wire protocol, compression
// negotiation, and throttling can be exercised end to end from a
// plain TCP client without any application-specific storage layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/hrpc/lib/rpcserver"
	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		bindAddress         string
		port                int
		handlerCount        int
		responseByteCeiling int64
		maxResponseSize     int64
	)

	flag.StringVar(&bindAddress, "bind-address", "127.0.0.1", "address to bind the listen socket")
	flag.IntVar(&port, "port", 8765, "TCP port to listen on (0 selects an ephemeral port)")
	flag.IntVar(&handlerCount, "handler-count", 0, "number of Handler goroutines (0 uses GOMAXPROCS)")
	flag.Int64Var(&responseByteCeiling, "response-byte-ceiling", 1<<30, "global queued-response-bytes ceiling")
	flag.Int64Var(&maxResponseSize, "max-response-size", 64<<20, "per-call response size ceiling")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := rpcserver.DefaultConfig()
	cfg.BindAddress = bindAddress
	cfg.Port = port
	cfg.Logger = logger
	cfg.ResponseByteCeiling = responseByteCeiling
	cfg.MaxResponseSize = maxResponseSize
	if handlerCount > 0 {
		cfg.HandlerCount = handlerCount
	}
	cfg.RequestDecoder = decodeEchoRequest
	cfg.Dispatcher = dispatchEcho

	server, err := rpcserver.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("hrpc-server listening", "addr", server.Addr().String())

	<-ctx.Done()
	logger.Info("hrpc-server shutting down")
	if err := server.Stop(); err != nil {
		logger.Error("errors while stopping server", "error", err)
	}
	server.Join()
	return nil
}

// echoRequest/echoResponse are the demo binary's entire application
// protocol: one UTF string in, the same UTF string back out.

type echoRequest struct {
	text string
}

func decodeEchoRequest(r io.Reader) (any, error) {
	text, err := wire.ReadUTF(r)
	if err != nil {
		return nil, fmt.Errorf("decoding echo request: %w", err)
	}
	return echoRequest{text: text}, nil
}

type echoResponse struct {
	text string
}

func (r echoResponse) Encode(w io.Writer) error {
	return wire.WriteUTF(w, r.text)
}

func dispatchEcho(ctx context.Context, call *rpcserver.CallContext, request any) (rpcserver.Encodable, error) {
	req, ok := request.(echoRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected request type %T", request)
	}
	return echoResponse{text: req.text}, nil
}
