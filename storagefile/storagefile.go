// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bpowers/flagstore/internal/hashing"
)

const (
	// FileVersion1 is the original layout, without node fingerprints.
	FileVersion1 uint32 = 1
	// FileVersion2 adds a u64 fingerprint to every table node.
	FileVersion2 uint32 = 2

	MaxSupportedFileVersion = FileVersion2
	DefaultFileVersion      = FileVersion2
)

var (
	ErrUnsupportedTableSize     = hashing.ErrUnsupportedTableSize
	ErrInvalidStorageFileOffset = errors.New("invalid storage file offset")
	ErrHigherStorageFileVersion = errors.New("storage file has a higher version than supported")
	ErrUnsupportedFileVersion   = errors.New("unsupported storage file version")
	ErrBytesParse               = errors.New("failed to parse storage file bytes")
	ErrFileTypeMismatch         = errors.New("unexpected storage file type")
	ErrCorruptStorageFile       = errors.New("corrupt storage file")
	ErrDuplicateKey             = errors.New("duplicate table key")
)

// CheckVersion returns an error unless a file written with version can be
// read by this library.  Newer files are never partially decoded.
func CheckVersion(version uint32) error {
	if version > MaxSupportedFileVersion {
		return fmt.Errorf("%w: cannot read storage file with a higher version of %d with lib version %d",
			ErrHigherStorageFileVersion, version, MaxSupportedFileVersion)
	}
	if version == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedFileVersion, version)
	}
	return nil
}

func hasFingerprint(version uint32) bool {
	return version >= FileVersion2
}

// FileType discriminates the four kinds of storage file.
type FileType uint8

const (
	PackageMap FileType = 0
	FlagMap    FileType = 1
	FlagVal    FileType = 2
	FlagInfo   FileType = 3
)

func (t FileType) String() string {
	switch t {
	case PackageMap:
		return "package-map"
	case FlagMap:
		return "flag-map"
	case FlagVal:
		return "flag-val"
	case FlagInfo:
		return "flag-info"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// ParseFileType is the inverse of FileType.String.
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(s) {
	case "package-map", "package_map":
		return PackageMap, nil
	case "flag-map", "flag_map":
		return FlagMap, nil
	case "flag-val", "flag_val":
		return FlagVal, nil
	case "flag-info", "flag_info":
		return FlagInfo, nil
	default:
		return 0, fmt.Errorf("invalid storage file type %q", s)
	}
}

// StoredFlagType is the flag type recorded in the flag table.
type StoredFlagType uint16

const (
	ReadWriteBoolean     StoredFlagType = 0
	ReadOnlyBoolean      StoredFlagType = 1
	FixedReadOnlyBoolean StoredFlagType = 2
)

func (t StoredFlagType) String() string {
	switch t {
	case ReadWriteBoolean:
		return "ReadWriteBoolean"
	case ReadOnlyBoolean:
		return "ReadOnlyBoolean"
	case FixedReadOnlyBoolean:
		return "FixedReadOnlyBoolean"
	default:
		return fmt.Sprintf("StoredFlagType(%d)", uint16(t))
	}
}

func (t StoredFlagType) valid() bool {
	return t <= FixedReadOnlyBoolean
}

// FlagAttribute is the per-flag metadata byte of the flag info list.
type FlagAttribute uint8

const (
	IsReadWrite       FlagAttribute = 1 << 0
	HasServerOverride FlagAttribute = 1 << 1
	HasLocalOverride  FlagAttribute = 1 << 2
)

func (a FlagAttribute) IsReadWrite() bool {
	return a&IsReadWrite != 0
}

func (a FlagAttribute) String() string {
	var parts []string
	if a&IsReadWrite != 0 {
		parts = append(parts, "read-write")
	} else {
		parts = append(parts, "read-only")
	}
	if a&HasServerOverride != 0 {
		parts = append(parts, "server-override")
	}
	if a&HasLocalOverride != 0 {
		parts = append(parts, "local-override")
	}
	return strings.Join(parts, "|")
}
