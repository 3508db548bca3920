// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"fmt"

	"github.com/bpowers/flagstore/internal/wire"
)

// anyFileType makes readPrefix accept every file type.
const anyFileType FileType = 0xff

func parseErr(err error) error {
	return fmt.Errorf("%w: %w", ErrBytesParse, err)
}

// prefix is the part of every header that precedes the type-specific
// fields.  The container name is skipped so lookups don't allocate.
type prefix struct {
	version  uint32
	fileType FileType
	fileSize uint32
}

// readContainer decodes the container name that follows the version.
func readContainer(buf []byte) (string, error) {
	r := wire.NewReader(buf, 4)
	container, err := r.ReadString()
	if err != nil {
		return "", parseErr(err)
	}
	return container, nil
}

// readPrefix decodes the common header prefix.  The version is checked
// before anything else is read.
func readPrefix(buf []byte, want FileType) (prefix, wire.Reader, error) {
	var p prefix
	r := wire.NewReader(buf, 0)

	version, err := r.ReadU32()
	if err != nil {
		return p, r, parseErr(err)
	}
	if err := CheckVersion(version); err != nil {
		return p, r, err
	}
	p.version = version

	if _, err = r.ReadBytes(); err != nil {
		return p, r, parseErr(err)
	}
	fileType, err := r.ReadU8()
	if err != nil {
		return p, r, parseErr(err)
	}
	p.fileType = FileType(fileType)
	if want != anyFileType && p.fileType != want {
		return p, r, fmt.Errorf("%w: expected %s, found %s", ErrFileTypeMismatch, want, p.fileType)
	}
	if p.fileSize, err = r.ReadU32(); err != nil {
		return p, r, parseErr(err)
	}
	if uint64(p.fileSize) > uint64(len(buf)) {
		return p, r, fmt.Errorf("%w: file size %d exceeds buffer length %d", ErrBytesParse, p.fileSize, len(buf))
	}
	if uint64(p.fileSize) < uint64(r.Pos()) {
		return p, r, fmt.Errorf("%w: file size %d smaller than its header", ErrBytesParse, p.fileSize)
	}
	return p, r, nil
}

func prefixSize(container string) uint32 {
	return 4 + uint32(wire.StringSize(container)) + 1 + 4
}

func appendU32(b []byte, v uint32) []byte {
	return wire.AppendU32(b, v)
}

func appendPrefix(b []byte, version uint32, container string, fileType FileType, fileSize uint32) []byte {
	b = wire.AppendU32(b, version)
	b = wire.AppendString(b, container)
	b = wire.AppendU8(b, uint8(fileType))
	return wire.AppendU32(b, fileSize)
}

// Header holds the fields common to every storage file.
type Header struct {
	Version   uint32
	Container string
	FileType  FileType
	FileSize  uint32
}

// ParseHeader decodes the common header of any storage file.
func ParseHeader(buf []byte) (Header, error) {
	p, _, err := readPrefix(buf, anyFileType)
	if err != nil {
		return Header{}, err
	}
	container, err := readContainer(buf)
	if err != nil {
		return Header{}, err
	}
	if p.fileType > FlagInfo {
		return Header{}, fmt.Errorf("%w: unknown file type %d", ErrFileTypeMismatch, uint8(p.fileType))
	}
	return Header{
		Version:   p.version,
		Container: container,
		FileType:  p.fileType,
		FileSize:  p.fileSize,
	}, nil
}

// TableLayout is the decoded geometry of a package or flag table, read
// without copying the container name.
type TableLayout struct {
	Version      uint32
	FileSize     uint32
	NumEntries   uint32
	BucketOffset uint32
	NodeOffset   uint32
}

// NumBuckets is derived from the header rather than recomputed from the
// entry count.
func (l TableLayout) NumBuckets() uint32 {
	return (l.NodeOffset - l.BucketOffset) / 4
}

// ReadTableLayout decodes the header of a package or flag table.
func ReadTableLayout(buf []byte, fileType FileType) (TableLayout, error) {
	p, r, err := readPrefix(buf, fileType)
	if err != nil {
		return TableLayout{}, err
	}
	l := TableLayout{Version: p.version, FileSize: p.fileSize}
	if l.NumEntries, err = r.ReadU32(); err != nil {
		return l, parseErr(err)
	}
	if l.BucketOffset, err = r.ReadU32(); err != nil {
		return l, parseErr(err)
	}
	if l.NodeOffset, err = r.ReadU32(); err != nil {
		return l, parseErr(err)
	}

	switch {
	case uint64(l.BucketOffset) < uint64(r.Pos()):
		return l, fmt.Errorf("%w: bucket offset %d inside header", ErrInvalidStorageFileOffset, l.BucketOffset)
	case l.NodeOffset < l.BucketOffset || l.NodeOffset > l.FileSize:
		return l, fmt.Errorf("%w: node offset %d outside [%d, %d]", ErrInvalidStorageFileOffset, l.NodeOffset, l.BucketOffset, l.FileSize)
	case (l.NodeOffset-l.BucketOffset)%4 != 0 || l.NumBuckets() == 0:
		return l, fmt.Errorf("%w: bucket region [%d, %d) is not a whole number of slots", ErrCorruptStorageFile, l.BucketOffset, l.NodeOffset)
	}
	// chain walks are capped at num_entries, so it must be bounded by the
	// number of nodes the node region can actually hold
	if maxNodes := (l.FileSize - l.NodeOffset) / nodeSize(0, l.Version); l.NumEntries > maxNodes {
		return l, fmt.Errorf("%w: %d entries cannot fit in %d bytes of nodes", ErrCorruptStorageFile, l.NumEntries, l.FileSize-l.NodeOffset)
	}
	return l, nil
}

// BucketSlot returns the file offset stored in bucket i, or 0 if the bucket
// is empty.
func (l TableLayout) BucketSlot(buf []byte, i uint32) (uint32, error) {
	if i >= l.NumBuckets() {
		return 0, fmt.Errorf("%w: bucket %d of %d", ErrInvalidStorageFileOffset, i, l.NumBuckets())
	}
	r := wire.NewReader(buf, int(l.BucketOffset)+4*int(i))
	off, err := r.ReadU32()
	if err != nil {
		return 0, parseErr(err)
	}
	if off != 0 {
		if err := l.checkNodeOffset(off); err != nil {
			return 0, err
		}
	}
	return off, nil
}

func (l TableLayout) checkNodeOffset(off uint32) error {
	if off < l.NodeOffset || off >= l.FileSize {
		return fmt.Errorf("%w: node offset %d outside node region [%d, %d)", ErrInvalidStorageFileOffset, off, l.NodeOffset, l.FileSize)
	}
	return nil
}

// RawNode is a table node decoded in place.  Key aliases the input buffer.
type RawNode struct {
	Key         []byte
	ID          uint32
	Value       uint32
	Fingerprint uint64
	NextOffset  uint32
	// End is the offset just past the node.
	End uint32
}

// ReadNode decodes the node starting at off.
func (l TableLayout) ReadNode(buf []byte, off uint32) (RawNode, error) {
	var n RawNode
	if err := l.checkNodeOffset(off); err != nil {
		return n, err
	}
	// nodes never extend past file_size, even if the buffer does
	r := wire.NewReader(buf[:l.FileSize], int(off))
	var err error
	if n.Key, err = r.ReadBytes(); err != nil {
		return n, parseErr(err)
	}
	if n.ID, err = r.ReadU32(); err != nil {
		return n, parseErr(err)
	}
	if n.Value, err = r.ReadU32(); err != nil {
		return n, parseErr(err)
	}
	if hasFingerprint(l.Version) {
		if n.Fingerprint, err = r.ReadU64(); err != nil {
			return n, parseErr(err)
		}
	}
	if n.NextOffset, err = r.ReadU32(); err != nil {
		return n, parseErr(err)
	}
	if n.NextOffset != 0 {
		if err := l.checkNodeOffset(n.NextOffset); err != nil {
			return n, err
		}
	}
	n.End = uint32(r.Pos())
	return n, nil
}

func nodeSize(keyLen int, version uint32) uint32 {
	size := uint32(4+keyLen) + 4 + 4 + 4
	if hasFingerprint(version) {
		size += 8
	}
	return size
}

func appendNode(b []byte, version uint32, key string, id, value uint32, fingerprint uint64, next *uint32) []byte {
	b = wire.AppendString(b, key)
	b = wire.AppendU32(b, id)
	b = wire.AppendU32(b, value)
	if hasFingerprint(version) {
		b = wire.AppendU64(b, fingerprint)
	}
	var nextOff uint32
	if next != nil {
		nextOff = *next
	}
	return wire.AppendU32(b, nextOff)
}

// ListLayout is the decoded geometry of a flag value or flag info list.
type ListLayout struct {
	Version     uint32
	FileSize    uint32
	NumFlags    uint32
	ValueOffset uint32
}

// ReadListLayout decodes the header of a flag value or flag info list.
func ReadListLayout(buf []byte, fileType FileType) (ListLayout, error) {
	p, r, err := readPrefix(buf, fileType)
	if err != nil {
		return ListLayout{}, err
	}
	l := ListLayout{Version: p.version, FileSize: p.fileSize}
	if l.NumFlags, err = r.ReadU32(); err != nil {
		return l, parseErr(err)
	}
	if l.ValueOffset, err = r.ReadU32(); err != nil {
		return l, parseErr(err)
	}
	if uint64(l.ValueOffset) < uint64(r.Pos()) || l.ValueOffset > l.FileSize {
		return l, fmt.Errorf("%w: element offset %d outside [%d, %d]", ErrInvalidStorageFileOffset, l.ValueOffset, r.Pos(), l.FileSize)
	}
	return l, nil
}

// Element returns the byte for the flag at offset, checking it against
// both the element count and the file size.
func (l ListLayout) Element(buf []byte, offset uint32) (byte, error) {
	head := uint64(l.ValueOffset) + uint64(offset)
	if head >= uint64(l.FileSize) {
		return 0, fmt.Errorf("%w: flag offset %d goes beyond the end of the file", ErrInvalidStorageFileOffset, offset)
	}
	if offset >= l.NumFlags {
		return 0, fmt.Errorf("%w: flag offset %d beyond %d flags", ErrInvalidStorageFileOffset, offset, l.NumFlags)
	}
	return buf[head], nil
}
