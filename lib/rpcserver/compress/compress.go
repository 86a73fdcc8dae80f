// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps response and request bodies in a streaming
// compressor/decompressor selected by a wire.CompressionID. It adapts
// the tagged-enum pattern from lib/artifactstore's CompressionTag, but
// wraps io.Writer/io.Reader streams instead of whole buffers: an RPC
// body is written incrementally by the application's encoder, so the
// compressor must wrap the DataOutputStream-equivalent rather than
// compress one materialized []byte.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/hrpc/lib/rpcserver/wire"
)

// NewWriter wraps w so that bytes written through the result are
// compressed with algo before reaching w. The caller must Close the
// returned writer to flush the compressor's trailer — for
// CompressionNone, Close is a no-op.
func NewWriter(w io.Writer, algo wire.CompressionID) (io.WriteCloser, error) {
	switch algo {
	case wire.CompressionNone:
		return nopWriteCloser{w}, nil
	case wire.CompressionGzip:
		return getGzipWriter(w), nil
	case wire.CompressionLZ4:
		return getLZ4Writer(w), nil
	case wire.CompressionZstd:
		enc, err := zstdEncoderPool.Get(w)
		if err != nil {
			return nil, fmt.Errorf("compress: acquiring zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %v", algo)
	}
}

// NewReader wraps r so that reads through the result are decompressed
// from algo. The returned reader should be discarded (not reused)
// after the call finishes reading. Readers are not pooled: each call
// constructs a fresh decompressor, and Close releases it.
func NewReader(r io.Reader, algo wire.CompressionID) (io.ReadCloser, error) {
	switch algo {
	case wire.CompressionNone:
		return io.NopCloser(r), nil
	case wire.CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: opening gzip stream: %w", err)
		}
		return gz, nil
	case wire.CompressionLZ4:
		return nopReadCloser{lz4.NewReader(r)}, nil
	case wire.CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: opening zstd stream: %w", err)
		}
		return zstdReaderCloser{dec}, nil
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %v", algo)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

// zstdReaderCloser adapts *zstd.Decoder's Close (which returns
// nothing) to io.ReadCloser.
type zstdReaderCloser struct{ *zstd.Decoder }

func (z zstdReaderCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// gzip.Writer and lz4.Writer allocation is pooled per algorithm,
// mirroring the reused package-level zstdEncoder/zstdDecoder globals
// in lib/artifactstore/compress.go and the Compressor/Decompressor
// pooling the Handler borrows-and-returns in the reference
// implementation (returnCompressor/returnDecompressor).

var gzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

func getGzipWriter(w io.Writer) io.WriteCloser {
	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return &pooledGzipWriter{Writer: gz}
}

type pooledGzipWriter struct {
	*gzip.Writer
}

func (p *pooledGzipWriter) Close() error {
	err := p.Writer.Close()
	gzipWriterPool.Put(p.Writer)
	return err
}

var lz4WriterPool = sync.Pool{
	New: func() any { return lz4.NewWriter(io.Discard) },
}

func getLZ4Writer(w io.Writer) io.WriteCloser {
	lzw := lz4WriterPool.Get().(*lz4.Writer)
	lzw.Reset(w)
	return &pooledLZ4Writer{Writer: lzw}
}

type pooledLZ4Writer struct {
	*lz4.Writer
}

func (p *pooledLZ4Writer) Close() error {
	err := p.Writer.Close()
	lz4WriterPool.Put(p.Writer)
	return err
}

// zstdEncoderSet pools *zstd.Encoder objects, which are bound to the
// io.Writer passed at construction time but support Reset to retarget
// them to a new writer cheaply.
type zstdEncoderSet struct {
	pool sync.Pool
}

var zstdEncoderPool = &zstdEncoderSet{}

func (s *zstdEncoderSet) Get(w io.Writer) (*pooledZstdWriter, error) {
	if v := s.pool.Get(); v != nil {
		enc := v.(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{Encoder: enc, set: s}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &pooledZstdWriter{Encoder: enc, set: s}, nil
}

type pooledZstdWriter struct {
	*zstd.Encoder
	set *zstdEncoderSet
}

func (p *pooledZstdWriter) Close() error {
	err := p.Encoder.Close()
	p.set.pool.Put(p.Encoder)
	return err
}
