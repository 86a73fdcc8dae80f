// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the hrpc framing layout: a four-byte ASCII
// magic and version byte on the first frame, followed by a stream of
// big-endian length-prefixed payloads. The layout is a fixed wire
// contract reproduced bit-for-bit from the reference implementation —
// encoding/binary is the right tool here, not a generic serialization
// library, since every byte offset is part of the protocol.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the four-byte ASCII header sent once, on the first frame of
// every connection, immediately before the version byte.
var Magic = [4]byte{'h', 'r', 'p', 'c'}

// Protocol version constants. Version3 predates the options record;
// Version4 adds compression, profiling, and tagging negotiation.
const (
	Version3 uint8 = 3
	Version4 uint8 = 4

	// CurrentVersion is the newest version this server speaks.
	CurrentVersion = Version4

	// MinSupportedVersion is the oldest version this server accepts.
	MinSupportedVersion = Version3
)

// PingLength is the reserved length-prefix sentinel denoting a
// keepalive frame with no payload. A real payload length can never
// equal this value because it is negative when read as a signed
// int32, and payload lengths are never negative.
const PingLength int32 = -1

// SupportedVersion reports whether v falls in [MinSupportedVersion,
// CurrentVersion].
func SupportedVersion(v uint8) bool {
	return v >= MinSupportedVersion && v <= CurrentVersion
}

// ReadLengthPrefix reads one big-endian uint32 length prefix. Returns
// the length as a signed int32 so PingLength's sentinel value compares
// cleanly; real lengths never exceed math.MaxInt32 bytes in practice
// and the cast only matters for the sentinel comparison.
func ReadLengthPrefix(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteLengthPrefix writes n as a big-endian uint32 length prefix.
func WriteLengthPrefix(w io.Writer, n uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// CompressionID identifies a wire-level compression algorithm. The set
// is fixed by wire compatibility — it is a tagged enum, never a
// dynamically resolved class/type name.
type CompressionID uint8

const (
	CompressionNone CompressionID = 0
	CompressionGzip CompressionID = 1
	CompressionLZ4  CompressionID = 2
	CompressionZstd CompressionID = 3
)

// String returns the wire name used in the version-4 response header
// (field 3 of the response frame layout).
func (c CompressionID) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionGzip:
		return "GZ"
	case CompressionLZ4:
		return "LZ4"
	case CompressionZstd:
		return "ZSTD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// ParseCompressionName parses the wire name back into a CompressionID.
func ParseCompressionName(name string) (CompressionID, error) {
	switch name {
	case "NONE", "":
		return CompressionNone, nil
	case "GZ":
		return CompressionGzip, nil
	case "LZ4":
		return CompressionLZ4, nil
	case "ZSTD":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("wire: unknown compression name %q", name)
	}
}

// Options is the version-4 per-call options record: {tx_compression,
// rx_compression, profile, tag}. tx is the algorithm the client used
// to compress the request it is sending; rx is the algorithm the
// client wants the server to use for the response.
type Options struct {
	TxCompression    CompressionID
	RxCompression    CompressionID
	ProfileRequested bool
	Tag              string // empty means "not present"
}

// ReadOptions decodes an Options record from r. Only called when the
// connection negotiated version >= Version4.
func ReadOptions(r io.Reader) (Options, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Options{}, fmt.Errorf("reading options header: %w", err)
	}

	opts := Options{
		TxCompression:    CompressionID(header[0]),
		RxCompression:    CompressionID(header[1]),
		ProfileRequested: header[2] != 0,
	}

	tag, err := readUTF(r)
	if err != nil {
		return Options{}, fmt.Errorf("reading options tag: %w", err)
	}
	opts.Tag = tag
	return opts, nil
}

// WriteOptions encodes an Options record to w.
func WriteOptions(w io.Writer, opts Options) error {
	header := [3]byte{byte(opts.TxCompression), byte(opts.RxCompression), 0}
	if opts.ProfileRequested {
		header[2] = 1
	}
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing options header: %w", err)
	}
	return writeUTF(w, opts.Tag)
}

// readUTF reads a length-prefixed (uint16, big-endian) UTF-8 string,
// matching the reference implementation's WritableUtils.readString
// wire shape.
func readUTF(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeUTF writes a length-prefixed (uint16, big-endian) UTF-8 string.
func writeUTF(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("wire: string too long for UTF field: %d bytes", len(s))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadUTF and WriteUTF expose the UTF helper to package rpcserver for
// encoding the error-class/error-message pair of an error response
// frame and the response-compression-name field.
func ReadUTF(r io.Reader) (string, error)  { return readUTF(r) }
func WriteUTF(w io.Writer, s string) error { return writeUTF(w, s) }
