// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

var errFileTooLarge = errors.New("storage file would exceed 4GB")

// pending is a node that has been hashed but not yet placed.
type pending[N any] struct {
	bucket uint32
	size   uint32
	node   N
}

// chainLayout is the result of placing nodes after the bucket region.
type chainLayout[N any] struct {
	buckets  []*uint32
	nodes    []N
	fileSize uint32
}

func offsetPtr(off uint32) *uint32 {
	return &off
}

// layoutChains stable-sorts nodes by bucket and assigns each an absolute
// offset starting at nodeOffset.  Each bucket slot points at the first node
// in its bucket, and every node whose successor shares its bucket links to
// it through setNext.
func layoutChains[N any](nodes []pending[N], numBuckets, nodeOffset uint32, setNext func(*N, *uint32)) (chainLayout[N], error) {
	slices.SortStableFunc(nodes, func(a, b pending[N]) int {
		return cmp.Compare(a.bucket, b.bucket)
	})

	out := chainLayout[N]{
		buckets: make([]*uint32, numBuckets),
		nodes:   make([]N, len(nodes)),
	}

	offsets := make([]uint32, len(nodes))
	off := uint64(nodeOffset)
	for i, n := range nodes {
		if off > math.MaxUint32 {
			return chainLayout[N]{}, errFileTooLarge
		}
		offsets[i] = uint32(off)
		if out.buckets[n.bucket] == nil {
			out.buckets[n.bucket] = offsetPtr(offsets[i])
		}
		off += uint64(n.size)
	}
	if off > math.MaxUint32 {
		return chainLayout[N]{}, errFileTooLarge
	}
	out.fileSize = uint32(off)

	for i, n := range nodes {
		out.nodes[i] = n.node
		if i+1 < len(nodes) && nodes[i+1].bucket == n.bucket {
			setNext(&out.nodes[i], offsetPtr(offsets[i+1]))
		} else {
			setNext(&out.nodes[i], nil)
		}
	}

	return out, nil
}

// tableRegions returns bucket_offset and node_offset for a table whose
// fixed header is headerSize bytes long.
func tableRegions(headerSize, numBuckets uint32) (bucketOffset, nodeOffset uint32, err error) {
	end := uint64(headerSize) + 4*uint64(numBuckets)
	if end > math.MaxUint32 {
		return 0, 0, errFileTooLarge
	}
	return headerSize, uint32(end), nil
}

// tableHeaderSize is the encoded size of a package or flag table header.
func tableHeaderSize(container string) uint32 {
	return prefixSize(container) + 4 + 4 + 4
}

// listHeaderSize is the encoded size of a flag value or flag info header.
func listHeaderSize(container string) uint32 {
	return prefixSize(container) + 4 + 4
}

func checkWriteVersion(version uint32) error {
	if err := CheckVersion(version); err != nil {
		return fmt.Errorf("cannot write version %d: %w", version, err)
	}
	return nil
}

// appendBuckets encodes the bucket region.
func appendBuckets(b []byte, buckets []*uint32) []byte {
	for _, slot := range buckets {
		var off uint32
		if slot != nil {
			off = *slot
		}
		b = appendU32(b, off)
	}
	return b
}

// decodeBuckets reads num_buckets slots, validating that each non-empty
// slot lies in the node region.
func decodeBuckets(buf []byte, l TableLayout) ([]*uint32, error) {
	buckets := make([]*uint32, l.NumBuckets())
	for i := range buckets {
		off, err := l.BucketSlot(buf, uint32(i))
		if err != nil {
			return nil, err
		}
		if off != 0 {
			buckets[i] = offsetPtr(off)
		}
	}
	return buckets, nil
}

func nextPtr(off uint32) *uint32 {
	if off == 0 {
		return nil
	}
	return offsetPtr(off)
}

// walkNodes decodes exactly NumEntries consecutive nodes and requires them
// to end at file_size.
func walkNodes(buf []byte, l TableLayout, fn func(RawNode) error) error {
	off := l.NodeOffset
	for i := uint32(0); i < l.NumEntries; i++ {
		n, err := l.ReadNode(buf, off)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		if err := fn(n); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		off = n.End
	}
	if off != l.FileSize {
		return fmt.Errorf("%w: nodes end at %d but file size is %d", ErrCorruptStorageFile, off, l.FileSize)
	}
	return nil
}

func formatOffset(off *uint32) string {
	if off == nil {
		return "None"
	}
	return fmt.Sprintf("%d", *off)
}
