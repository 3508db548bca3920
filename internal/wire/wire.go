// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package wire holds the little-endian integer and length-prefixed
// string primitives every storage file is built from.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrShortBuffer = errors.New("buffer too short")
	ErrInvalidUTF8 = errors.New("string is not valid UTF-8")
)

// StringSize is the encoded length of s: a u32 length prefix plus the bytes.
func StringSize(s string) int {
	return 4 + len(s)
}

func AppendU8(b []byte, v uint8) []byte {
	return append(b, v)
}

func AppendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func AppendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// AppendString appends s with its u32 length prefix.
func AppendString(b []byte, s string) []byte {
	b = AppendU32(b, uint32(len(s)))
	return append(b, s...)
}

// Reader decodes consecutive values from buf.  It is a value type so that
// callers on the query path can keep it on the stack.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at pos.
func NewReader(buf []byte, pos int) Reader {
	return Reader{buf: buf, pos: pos}
}

// Pos is the offset of the next byte to be read.
func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) next(n int, what string) ([]byte, error) {
	if r.pos < 0 || uint64(r.pos)+uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("read %s at %d (buffer length %d): %w", what, r.pos, len(r.buf), ErrShortBuffer)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.next(1, "u8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.next(4, "u32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.next(8, "u64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadBytes reads a length-prefixed string and returns it as a sub-slice
// of the underlying buffer, without copying or validating it.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.buf)) {
		return nil, fmt.Errorf("string length %d exceeds buffer length %d: %w", n, len(r.buf), ErrShortBuffer)
	}
	return r.next(int(n), "string")
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string at %d: %w", r.pos-len(b), ErrInvalidUTF8)
	}
	return string(b), nil
}
