// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the command channel framing: every message is a
// 4-byte big-endian length followed by that many bytes of JSON.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/absmach/topicd/internal/bufpool"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a frame when the caller does not configure a limit.
const DefaultMaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned when a frame length exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// DecodeUint32 reads a big-endian uint32.
func DecodeUint32(r io.Reader) (uint32, error) {
	var num [4]byte
	if _, err := io.ReadFull(r, num[:]); err != nil {
		return 0, err
	}

	return uint32(num[3]) | uint32(num[2])<<8 | uint32(num[1])<<16 | uint32(num[0])<<24, nil
}

// EncodeUint32 writes n into b as big-endian. b must hold at least 4 bytes.
func EncodeUint32(b []byte, n uint32) {
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

// ReadFrame reads one frame and returns its payload. A clean end of stream
// before the header returns io.EOF; a stream cut inside a frame returns
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	n, err := DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteFrame writes payload as a single frame with one Write call.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxSize)
	}

	buf := bufpool.GetSized(HeaderSize + len(payload))
	defer bufpool.Put(buf)

	var hdr [HeaderSize]byte
	EncodeUint32(hdr[:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)

	_, err := w.Write(buf.Bytes())
	return err
}
