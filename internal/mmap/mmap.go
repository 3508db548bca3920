// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmap maps storage files read-only into memory.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var ErrEmptyFile = errors.New("cannot map an empty file")

// ReaderAt is a read-only view of a mapped file.  The mapping is shared, so
// many processes reading the same storage file share the same pages.
type ReaderAt struct {
	data     []byte
	isClosed atomic.Bool
}

// Open maps the file at path.  The file descriptor is closed before
// returning; the mapping stays valid until Close.
func Open(path string) (*ReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	stats, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	size := stats.Size()
	if size == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("%s: file too large to map (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(%s): %w", path, err)
	}
	// lookups hop between buckets and nodes, so readahead is wasted
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("madvise: %w", err)
	}

	return &ReaderAt{data: data}, nil
}

// Data returns the mapped bytes.  They must not be written to, and must not
// be used after Close.
func (r *ReaderAt) Data() []byte {
	return r.data
}

// Len returns the length of the mapping.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// Close unmaps the file.  It is safe to call more than once.
func (r *ReaderAt) Close() error {
	if r.isClosed.Swap(true) {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unix.Munmap: %w", err)
	}
	return nil
}
