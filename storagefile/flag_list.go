// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"fmt"
	"math"
	"strings"
)

type FlagValueHeader struct {
	Version            uint32
	Container          string
	FileType           FileType
	FileSize           uint32
	NumFlags           uint32
	BooleanValueOffset uint32
}

// FlagValueList holds the build-time value of every boolean flag, indexed
// by package start index plus flag index.
type FlagValueList struct {
	Header   FlagValueHeader
	Booleans []bool
}

type FlagInfoHeader struct {
	Version           uint32
	Container         string
	FileType          FileType
	FileSize          uint32
	NumFlags          uint32
	BooleanFlagOffset uint32
}

// FlagInfoList holds one attribute byte per boolean flag, parallel to the
// flag value list.
type FlagInfoList struct {
	Header FlagInfoHeader
	Nodes  []FlagAttribute
}

func listGeometry(container string, version uint32, n int) (elemOffset, fileSize uint32, err error) {
	if err := checkWriteVersion(version); err != nil {
		return 0, 0, err
	}
	elemOffset = listHeaderSize(container)
	end := uint64(elemOffset) + uint64(n)
	if end > math.MaxUint32 {
		return 0, 0, errFileTooLarge
	}
	return elemOffset, uint32(end), nil
}

// NewFlagValueList builds a value list holding values in order.
func NewFlagValueList(container string, version uint32, values []bool) (*FlagValueList, error) {
	valueOffset, fileSize, err := listGeometry(container, version, len(values))
	if err != nil {
		return nil, fmt.Errorf("flag value list for %q: %w", container, err)
	}
	return &FlagValueList{
		Header: FlagValueHeader{
			Version:            version,
			Container:          container,
			FileType:           FlagVal,
			FileSize:           fileSize,
			NumFlags:           uint32(len(values)),
			BooleanValueOffset: valueOffset,
		},
		Booleans: values,
	}, nil
}

func (l *FlagValueList) MarshalBinary() ([]byte, error) {
	h := &l.Header
	if err := checkWriteVersion(h.Version); err != nil {
		return nil, err
	}
	b := make([]byte, 0, h.FileSize)
	b = appendPrefix(b, h.Version, h.Container, FlagVal, h.FileSize)
	b = appendU32(b, h.NumFlags)
	b = appendU32(b, h.BooleanValueOffset)
	for _, v := range l.Booleans {
		if v {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	if uint64(len(b)) != uint64(h.FileSize) {
		return nil, fmt.Errorf("flag value list encoded to %d bytes, header says %d", len(b), h.FileSize)
	}
	return b, nil
}

func (l *FlagValueList) UnmarshalBinary(buf []byte) error {
	decoded, err := UnmarshalFlagValueList(buf)
	if err != nil {
		return err
	}
	*l = *decoded
	return nil
}

// ParseFlagValueHeader decodes only the header of a flag value list.
func ParseFlagValueHeader(buf []byte) (FlagValueHeader, error) {
	l, err := ReadListLayout(buf, FlagVal)
	if err != nil {
		return FlagValueHeader{}, err
	}
	container, err := readContainer(buf)
	if err != nil {
		return FlagValueHeader{}, err
	}
	return FlagValueHeader{
		Version:            l.Version,
		Container:          container,
		FileType:           FlagVal,
		FileSize:           l.FileSize,
		NumFlags:           l.NumFlags,
		BooleanValueOffset: l.ValueOffset,
	}, nil
}

// listElements returns the element region, requiring it to hold exactly
// num_flags bytes and to end at file_size.
func listElements(buf []byte, l ListLayout) ([]byte, error) {
	if uint64(l.ValueOffset)+uint64(l.NumFlags) != uint64(l.FileSize) {
		return nil, fmt.Errorf("%w: %d flags at offset %d do not end at file size %d",
			ErrCorruptStorageFile, l.NumFlags, l.ValueOffset, l.FileSize)
	}
	return buf[l.ValueOffset:l.FileSize], nil
}

// UnmarshalFlagValueList fully decodes a flag value list.
func UnmarshalFlagValueList(buf []byte) (*FlagValueList, error) {
	header, err := ParseFlagValueHeader(buf)
	if err != nil {
		return nil, err
	}
	elems, err := listElements(buf, ListLayout{
		Version:     header.Version,
		FileSize:    header.FileSize,
		NumFlags:    header.NumFlags,
		ValueOffset: header.BooleanValueOffset,
	})
	if err != nil {
		return nil, err
	}
	values := make([]bool, len(elems))
	for i, b := range elems {
		values[i] = b == 1
	}
	return &FlagValueList{Header: header, Booleans: values}, nil
}

func (l *FlagValueList) String() string {
	var sb strings.Builder
	h := &l.Header
	fmt.Fprintf(&sb, "Header:\n")
	fmt.Fprintf(&sb, "Version: %d\n", h.Version)
	fmt.Fprintf(&sb, "Container: %s\n", h.Container)
	fmt.Fprintf(&sb, "File Type: %s\n", h.FileType)
	fmt.Fprintf(&sb, "File Size: %d\n", h.FileSize)
	fmt.Fprintf(&sb, "Num of Flags: %d\n", h.NumFlags)
	fmt.Fprintf(&sb, "Boolean Value Offset: %d\n", h.BooleanValueOffset)
	fmt.Fprintf(&sb, "Values:\n")
	for i, v := range l.Booleans {
		fmt.Fprintf(&sb, "  %d: %t\n", i, v)
	}
	return sb.String()
}

// NewFlagInfoList builds an info list holding attrs in order.
func NewFlagInfoList(container string, version uint32, attrs []FlagAttribute) (*FlagInfoList, error) {
	flagOffset, fileSize, err := listGeometry(container, version, len(attrs))
	if err != nil {
		return nil, fmt.Errorf("flag info list for %q: %w", container, err)
	}
	return &FlagInfoList{
		Header: FlagInfoHeader{
			Version:           version,
			Container:         container,
			FileType:          FlagInfo,
			FileSize:          fileSize,
			NumFlags:          uint32(len(attrs)),
			BooleanFlagOffset: flagOffset,
		},
		Nodes: attrs,
	}, nil
}

func (l *FlagInfoList) MarshalBinary() ([]byte, error) {
	h := &l.Header
	if err := checkWriteVersion(h.Version); err != nil {
		return nil, err
	}
	b := make([]byte, 0, h.FileSize)
	b = appendPrefix(b, h.Version, h.Container, FlagInfo, h.FileSize)
	b = appendU32(b, h.NumFlags)
	b = appendU32(b, h.BooleanFlagOffset)
	for _, a := range l.Nodes {
		b = append(b, uint8(a))
	}
	if uint64(len(b)) != uint64(h.FileSize) {
		return nil, fmt.Errorf("flag info list encoded to %d bytes, header says %d", len(b), h.FileSize)
	}
	return b, nil
}

func (l *FlagInfoList) UnmarshalBinary(buf []byte) error {
	decoded, err := UnmarshalFlagInfoList(buf)
	if err != nil {
		return err
	}
	*l = *decoded
	return nil
}

// ParseFlagInfoHeader decodes only the header of a flag info list.
func ParseFlagInfoHeader(buf []byte) (FlagInfoHeader, error) {
	l, err := ReadListLayout(buf, FlagInfo)
	if err != nil {
		return FlagInfoHeader{}, err
	}
	container, err := readContainer(buf)
	if err != nil {
		return FlagInfoHeader{}, err
	}
	return FlagInfoHeader{
		Version:           l.Version,
		Container:         container,
		FileType:          FlagInfo,
		FileSize:          l.FileSize,
		NumFlags:          l.NumFlags,
		BooleanFlagOffset: l.ValueOffset,
	}, nil
}

// UnmarshalFlagInfoList fully decodes a flag info list.
func UnmarshalFlagInfoList(buf []byte) (*FlagInfoList, error) {
	header, err := ParseFlagInfoHeader(buf)
	if err != nil {
		return nil, err
	}
	elems, err := listElements(buf, ListLayout{
		Version:     header.Version,
		FileSize:    header.FileSize,
		NumFlags:    header.NumFlags,
		ValueOffset: header.BooleanFlagOffset,
	})
	if err != nil {
		return nil, err
	}
	attrs := make([]FlagAttribute, len(elems))
	for i, b := range elems {
		attrs[i] = FlagAttribute(b)
	}
	return &FlagInfoList{Header: header, Nodes: attrs}, nil
}

func (l *FlagInfoList) String() string {
	var sb strings.Builder
	h := &l.Header
	fmt.Fprintf(&sb, "Header:\n")
	fmt.Fprintf(&sb, "Version: %d\n", h.Version)
	fmt.Fprintf(&sb, "Container: %s\n", h.Container)
	fmt.Fprintf(&sb, "File Type: %s\n", h.FileType)
	fmt.Fprintf(&sb, "File Size: %d\n", h.FileSize)
	fmt.Fprintf(&sb, "Num of Flags: %d\n", h.NumFlags)
	fmt.Fprintf(&sb, "Boolean Flag Offset: %d\n", h.BooleanFlagOffset)
	fmt.Fprintf(&sb, "Attributes:\n")
	for i, a := range l.Nodes {
		fmt.Fprintf(&sb, "  %d: %s\n", i, a)
	}
	return sb.String()
}
