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

type PackageTableHeader struct {
	Version      uint32
	Container    string
	FileType     FileType
	FileSize     uint32
	NumPackages  uint32
	BucketOffset uint32
	NodeOffset   uint32
}

type PackageTableNode struct {
	PackageName       string
	PackageID         uint32
	BooleanStartIndex uint32
	// Fingerprint is always zero in version 1 files.
	Fingerprint uint64
	NextOffset  *uint32
}

// PackageTable maps a package name to its id and the start of its range in
// the flag value list.
type PackageTable struct {
	Header  PackageTableHeader
	Buckets []*uint32
	Nodes   []PackageTableNode
}

// PackageEntry is the input to NewPackageTable.
type PackageEntry struct {
	Name              string
	ID                uint32
	BooleanStartIndex uint32
	Fingerprint       uint64
}

// NewPackageTable lays out a package table for entries.  The node order is
// deterministic for a given entry order.
func NewPackageTable(container string, version uint32, entries []PackageEntry) (*PackageTable, error) {
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

	seen := make(map[string]struct{}, len(entries))
	nodes := make([]pending[PackageTableNode], 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("%w: package %q", ErrDuplicateKey, e.Name)
		}
		seen[e.Name] = struct{}{}

		fingerprint := e.Fingerprint
		if !hasFingerprint(version) {
			fingerprint = 0
		}
		nodes = append(nodes, pending[PackageTableNode]{
			bucket: hashing.BucketIndex(e.Name, numBuckets),
			size:   nodeSize(len(e.Name), version),
			node: PackageTableNode{
				PackageName:       e.Name,
				PackageID:         e.ID,
				BooleanStartIndex: e.BooleanStartIndex,
				Fingerprint:       fingerprint,
			},
		})
	}

	layout, err := layoutChains(nodes, numBuckets, nodeOffset, func(n *PackageTableNode, next *uint32) {
		n.NextOffset = next
	})
	if err != nil {
		return nil, fmt.Errorf("package table for %q: %w", container, err)
	}

	return &PackageTable{
		Header: PackageTableHeader{
			Version:      version,
			Container:    container,
			FileType:     PackageMap,
			FileSize:     layout.fileSize,
			NumPackages:  uint32(len(entries)),
			BucketOffset: bucketOffset,
			NodeOffset:   nodeOffset,
		},
		Buckets: layout.buckets,
		Nodes:   layout.nodes,
	}, nil
}

// MarshalBinary encodes the table in the layout described by its header.
func (t *PackageTable) MarshalBinary() ([]byte, error) {
	h := &t.Header
	if err := checkWriteVersion(h.Version); err != nil {
		return nil, err
	}
	b := make([]byte, 0, h.FileSize)
	b = appendPrefix(b, h.Version, h.Container, PackageMap, h.FileSize)
	b = appendU32(b, h.NumPackages)
	b = appendU32(b, h.BucketOffset)
	b = appendU32(b, h.NodeOffset)
	b = appendBuckets(b, t.Buckets)
	for i := range t.Nodes {
		n := &t.Nodes[i]
		b = appendNode(b, h.Version, n.PackageName, n.PackageID, n.BooleanStartIndex, n.Fingerprint, n.NextOffset)
	}
	if uint64(len(b)) != uint64(h.FileSize) {
		return nil, fmt.Errorf("package table encoded to %d bytes, header says %d", len(b), h.FileSize)
	}
	return b, nil
}

// UnmarshalBinary replaces t with the table decoded from buf.
func (t *PackageTable) UnmarshalBinary(buf []byte) error {
	decoded, err := UnmarshalPackageTable(buf)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// ParsePackageTableHeader decodes only the header of a package table.
func ParsePackageTableHeader(buf []byte) (PackageTableHeader, error) {
	l, err := ReadTableLayout(buf, PackageMap)
	if err != nil {
		return PackageTableHeader{}, err
	}
	container, err := readContainer(buf)
	if err != nil {
		return PackageTableHeader{}, err
	}
	return PackageTableHeader{
		Version:      l.Version,
		Container:    container,
		FileType:     PackageMap,
		FileSize:     l.FileSize,
		NumPackages:  l.NumEntries,
		BucketOffset: l.BucketOffset,
		NodeOffset:   l.NodeOffset,
	}, nil
}

// UnmarshalPackageTable fully decodes a package table.
func UnmarshalPackageTable(buf []byte) (*PackageTable, error) {
	header, err := ParsePackageTableHeader(buf)
	if err != nil {
		return nil, err
	}
	l := TableLayout{
		Version:      header.Version,
		FileSize:     header.FileSize,
		NumEntries:   header.NumPackages,
		BucketOffset: header.BucketOffset,
		NodeOffset:   header.NodeOffset,
	}
	buckets, err := decodeBuckets(buf, l)
	if err != nil {
		return nil, err
	}

	nodes := make([]PackageTableNode, 0, min(l.NumEntries, (l.FileSize-l.NodeOffset)/nodeSize(0, l.Version)))
	err = walkNodes(buf, l, func(n RawNode) error {
		if !utf8.Valid(n.Key) {
			return parseErr(wire.ErrInvalidUTF8)
		}
		nodes = append(nodes, PackageTableNode{
			PackageName:       string(n.Key),
			PackageID:         n.ID,
			BooleanStartIndex: n.Value,
			Fingerprint:       n.Fingerprint,
			NextOffset:        nextPtr(n.NextOffset),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("package table: %w", err)
	}

	return &PackageTable{
		Header:  header,
		Buckets: buckets,
		Nodes:   nodes,
	}, nil
}

func (t *PackageTable) String() string {
	var sb strings.Builder
	h := &t.Header
	fmt.Fprintf(&sb, "Header:\n")
	fmt.Fprintf(&sb, "Version: %d\n", h.Version)
	fmt.Fprintf(&sb, "Container: %s\n", h.Container)
	fmt.Fprintf(&sb, "File Type: %s\n", h.FileType)
	fmt.Fprintf(&sb, "File Size: %d\n", h.FileSize)
	fmt.Fprintf(&sb, "Num of Packages: %d\n", h.NumPackages)
	fmt.Fprintf(&sb, "Bucket Offset: %d\n", h.BucketOffset)
	fmt.Fprintf(&sb, "Node Offset: %d\n", h.NodeOffset)
	fmt.Fprintf(&sb, "Buckets:\n")
	for i, slot := range t.Buckets {
		fmt.Fprintf(&sb, "  %d: %s\n", i, formatOffset(slot))
	}
	fmt.Fprintf(&sb, "Nodes:\n")
	for _, n := range t.Nodes {
		fmt.Fprintf(&sb, "  Package: %s, Id: %d, Boolean flag start index: %d, Fingerprint: %#016x, Next: %s\n",
			n.PackageName, n.PackageID, n.BooleanStartIndex, n.Fingerprint, formatOffset(n.NextOffset))
	}
	return sb.String()
}
