// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/bpowers/flagstore/internal/hashing"
	"github.com/bpowers/flagstore/internal/wire"
)

type FlagTableHeader struct {
	Version      uint32
	Container    string
	FileType     FileType
	FileSize     uint32
	NumFlags     uint32
	BucketOffset uint32
	NodeOffset   uint32
}

type FlagTableNode struct {
	PackageID uint32
	FlagName  string
	FlagType  StoredFlagType
	// FlagIndex is the flag's offset within its package's boolean range.
	FlagIndex   uint16
	Fingerprint uint64
	NextOffset  *uint32
}

// FlagTable maps (package id, flag name) to the flag's type and index
// within its package.
type FlagTable struct {
	Header  FlagTableHeader
	Buckets []*uint32
	Nodes   []FlagTableNode
}

// FlagEntry is the input to NewFlagTable.
type FlagEntry struct {
	PackageID   uint32
	Name        string
	Type        StoredFlagType
	Index       uint16
	Fingerprint uint64
}

// PackFlagSlot combines a flag index and type into a node's value field.
func PackFlagSlot(index uint16, t StoredFlagType) uint32 {
	return uint32(index) | uint32(t)<<16
}

// UnpackFlagSlot is the inverse of PackFlagSlot.
func UnpackFlagSlot(v uint32) (uint16, StoredFlagType, error) {
	t := StoredFlagType(v >> 16)
	if !t.valid() {
		return 0, 0, fmt.Errorf("%w: unknown stored flag type %d", ErrCorruptStorageFile, uint16(t))
	}
	return uint16(v), t, nil
}

// NewFlagTable lays out a flag table for entries.
func NewFlagTable(container string, version uint32, entries []FlagEntry) (*FlagTable, error) {
	if err := checkWriteVersion(version); err != nil {
		return nil, err
	}
	if uint64(len(entries)) > math.MaxUint32 {
		return nil, ErrUnsupportedTableSize
	}
	numBuckets, err := hashing.TableSize(uint32(len(entries)))
	if err != nil {
		return nil, err
	}
	bucketOffset, nodeOffset, err := tableRegions(tableHeaderSize(container), numBuckets)
	if err != nil {
		return nil, err
	}

	type flagKey struct {
		pkg  uint32
		name string
	}
	seen := make(map[flagKey]struct{}, len(entries))
	nodes := make([]pending[FlagTableNode], 0, len(entries))
	for _, e := range entries {
		k := flagKey{e.PackageID, e.Name}
		if _, ok := seen[k]; ok {
			return nil, fmt.Errorf("%w: flag %q in package %d", ErrDuplicateKey, e.Name, e.PackageID)
		}
		seen[k] = struct{}{}
		if !e.Type.valid() {
			return nil, fmt.Errorf("flag %q: unknown stored flag type %d", e.Name, uint16(e.Type))
		}

		fingerprint := e.Fingerprint
		if !hasFingerprint(version) {
			fingerprint = 0
		}
		nodes = append(nodes, pending[FlagTableNode]{
			bucket: hashing.FlagBucketIndex(e.PackageID, e.Name, numBuckets),
			size:   nodeSize(len(e.Name), version),
			node: FlagTableNode{
				PackageID:   e.PackageID,
				FlagName:    e.Name,
				FlagType:    e.Type,
				FlagIndex:   e.Index,
				Fingerprint: fingerprint,
			},
		})
	}

	layout, err := layoutChains(nodes, numBuckets, nodeOffset, func(n *FlagTableNode, next *uint32) {
		n.NextOffset = next
	})
	if err != nil {
		return nil, fmt.Errorf("flag table for %q: %w", container, err)
	}

	return &FlagTable{
		Header: FlagTableHeader{
			Version:      version,
			Container:    container,
			FileType:     FlagMap,
			FileSize:     layout.fileSize,
			NumFlags:     uint32(len(entries)),
			BucketOffset: bucketOffset,
			NodeOffset:   nodeOffset,
		},
		Buckets: layout.buckets,
		Nodes:   layout.nodes,
	}, nil
}

// MarshalBinary encodes the table in the layout described by its header.
func (t *FlagTable) MarshalBinary() ([]byte, error) {
	h := &t.Header
	if err := checkWriteVersion(h.Version); err != nil {
		return nil, err
	}
	b := make([]byte, 0, h.FileSize)
	b = appendPrefix(b, h.Version, h.Container, FlagMap, h.FileSize)
	b = appendU32(b, h.NumFlags)
	b = appendU32(b, h.BucketOffset)
	b = appendU32(b, h.NodeOffset)
	b = appendBuckets(b, t.Buckets)
	for i := range t.Nodes {
		n := &t.Nodes[i]
		b = appendNode(b, h.Version, n.FlagName, n.PackageID, PackFlagSlot(n.FlagIndex, n.FlagType), n.Fingerprint, n.NextOffset)
	}
	if uint64(len(b)) != uint64(h.FileSize) {
		return nil, fmt.Errorf("flag table encoded to %d bytes, header says %d", len(b), h.FileSize)
	}
	return b, nil
}

// UnmarshalBinary replaces t with the table decoded from buf.
func (t *FlagTable) UnmarshalBinary(buf []byte) error {
	decoded, err := UnmarshalFlagTable(buf)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// ParseFlagTableHeader decodes only the header of a flag table.
func ParseFlagTableHeader(buf []byte) (FlagTableHeader, error) {
	l, err := ReadTableLayout(buf, FlagMap)
	if err != nil {
		return FlagTableHeader{}, err
	}
	container, err := readContainer(buf)
	if err != nil {
		return FlagTableHeader{}, err
	}
	return FlagTableHeader{
		Version:      l.Version,
		Container:    container,
		FileType:     FlagMap,
		FileSize:     l.FileSize,
		NumFlags:     l.NumEntries,
		BucketOffset: l.BucketOffset,
		NodeOffset:   l.NodeOffset,
	}, nil
}

// UnmarshalFlagTable fully decodes a flag table.
func UnmarshalFlagTable(buf []byte) (*FlagTable, error) {
	header, err := ParseFlagTableHeader(buf)
	if err != nil {
		return nil, err
	}
	l := TableLayout{
		Version:      header.Version,
		FileSize:     header.FileSize,
		NumEntries:   header.NumFlags,
		BucketOffset: header.BucketOffset,
		NodeOffset:   header.NodeOffset,
	}
	buckets, err := decodeBuckets(buf, l)
	if err != nil {
		return nil, err
	}

	nodes := make([]FlagTableNode, 0, min(l.NumEntries, (l.FileSize-l.NodeOffset)/nodeSize(0, l.Version)))
	err = walkNodes(buf, l, func(n RawNode) error {
		if !utf8.Valid(n.Key) {
			return parseErr(wire.ErrInvalidUTF8)
		}
		index, flagType, err := UnpackFlagSlot(n.Value)
		if err != nil {
			return err
		}
		nodes = append(nodes, FlagTableNode{
			PackageID:   n.ID,
			FlagName:    string(n.Key),
			FlagType:    flagType,
			FlagIndex:   index,
			Fingerprint: n.Fingerprint,
			NextOffset:  nextPtr(n.NextOffset),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("flag table: %w", err)
	}

	return &FlagTable{
		Header:  header,
		Buckets: buckets,
		Nodes:   nodes,
	}, nil
}

func (t *FlagTable) String() string {
	var sb strings.Builder
	h := &t.Header
	fmt.Fprintf(&sb, "Header:\n")
	fmt.Fprintf(&sb, "Version: %d\n", h.Version)
	fmt.Fprintf(&sb, "Container: %s\n", h.Container)
	fmt.Fprintf(&sb, "File Type: %s\n", h.FileType)
	fmt.Fprintf(&sb, "File Size: %d\n", h.FileSize)
	fmt.Fprintf(&sb, "Num of Flags: %d\n", h.NumFlags)
	fmt.Fprintf(&sb, "Bucket Offset: %d\n", h.BucketOffset)
	fmt.Fprintf(&sb, "Node Offset: %d\n", h.NodeOffset)
	fmt.Fprintf(&sb, "Buckets:\n")
	for i, slot := range t.Buckets {
		fmt.Fprintf(&sb, "  %d: %s\n", i, formatOffset(slot))
	}
	fmt.Fprintf(&sb, "Nodes:\n")
	for _, n := range t.Nodes {
		fmt.Fprintf(&sb, "  Package Id: %d, Flag: %s, Type: %s, Index: %d, Fingerprint: %#016x, Next: %s\n",
			n.PackageID, n.FlagName, n.FlagType, n.FlagIndex, n.Fingerprint, formatOffset(n.NextOffset))
	}
	return sb.String()
}
