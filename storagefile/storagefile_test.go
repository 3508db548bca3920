// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storagefile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/flagstore/internal/hashing"
	"github.com/bpowers/flagstore/internal/wire"
)

var versions = []uint32{FileVersion1, FileVersion2}

// three package names of 34 bytes each
var mockupPackages = []PackageEntry{
	{Name: "com.example.flagstore.storage.pk_1", ID: 0, BooleanStartIndex: 0, Fingerprint: 0x1111},
	{Name: "com.example.flagstore.storage.pk_2", ID: 1, BooleanStartIndex: 3, Fingerprint: 0x2222},
	{Name: "com.example.flagstore.storage.pk_4", ID: 2, BooleanStartIndex: 6, Fingerprint: 0x4444},
}

func testFlagEntries() []FlagEntry {
	return []FlagEntry{
		{PackageID: 0, Name: "enabled_ro", Type: ReadOnlyBoolean, Index: 1, Fingerprint: 1},
		{PackageID: 0, Name: "enabled_rw", Type: ReadWriteBoolean, Index: 2, Fingerprint: 2},
		{PackageID: 2, Name: "enabled_rw", Type: ReadWriteBoolean, Index: 1, Fingerprint: 3},
		{PackageID: 1, Name: "disabled_rw", Type: ReadWriteBoolean, Index: 0, Fingerprint: 4},
		{PackageID: 1, Name: "enabled_fixed_ro", Type: FixedReadOnlyBoolean, Index: 1, Fingerprint: 5},
		{PackageID: 1, Name: "enabled_ro", Type: ReadOnlyBoolean, Index: 2, Fingerprint: 6},
		{PackageID: 2, Name: "enabled_fixed_ro", Type: FixedReadOnlyBoolean, Index: 0, Fingerprint: 7},
		{PackageID: 0, Name: "disabled_rw", Type: ReadWriteBoolean, Index: 0, Fingerprint: 8},
	}
}

func decodeHex(t *testing.T, parts ...string) []byte {
	t.Helper()
	buf, err := hex.DecodeString(strings.Join(parts, ""))
	require.NoError(t, err)
	return buf
}

// The exact encoding is frozen per format version: a change here breaks
// every file already on a device.
func TestPackageTable_GoldenBytes(t *testing.T) {
	const (
		pk1 = "22000000636f6d2e6578616d706c652e666c616773746f72652e73746f726167652e706b5f31"
		pk2 = "22000000636f6d2e6578616d706c652e666c616773746f72652e73746f726167652e706b5f32"
		pk4 = "22000000636f6d2e6578616d706c652e666c616773746f72652e73746f726167652e706b5f34"
	)
	for _, tc := range []struct {
		version  uint32
		expected []byte
	}{
		{FileVersion1, decodeHex(t,
			"01000000060000006d6f636b757000d1000000030000001f0000003b000000",
			"00000000000000003b000000000000006d0000000000000000000000",
			pk1, "000000000000000000000000",
			pk2, "01000000030000009f000000",
			pk4, "020000000600000000000000",
		)},
		{FileVersion2, decodeHex(t,
			"02000000060000006d6f636b757000e9000000030000001f0000003b000000",
			"00000000000000003b00000000000000750000000000000000000000",
			pk1, "0000000000000000111100000000000000000000",
			pk2, "01000000030000002222000000000000af000000",
			pk4, "0200000006000000444400000000000000000000",
		)},
	} {
		t.Run(fmt.Sprintf("v%d", tc.version), func(t *testing.T) {
			table, err := NewPackageTable("mockup", tc.version, mockupPackages)
			require.NoError(t, err)
			buf, err := table.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(tc.expected), hex.EncodeToString(buf))
		})
	}
}

func TestFlagTable_GoldenBytes(t *testing.T) {
	const (
		enabledRW      = "0a000000656e61626c65645f7277"
		enabledRO      = "0a000000656e61626c65645f726f"
		enabledFixedRO = "10000000656e61626c65645f66697865645f726f"
		disabledRW     = "0b00000064697361626c65645f7277"
	)
	for _, tc := range []struct {
		version  uint32
		expected []byte
	}{
		{FileVersion1, decodeHex(t,
			"01000000060000006d6f636b75700141010000080000001f00000063000000",
			"0000000063000000000000007d00000000000000d10000000000000000000000eb000000",
			"000000000b010000000000000000000026010000000000000000000000000000",
			enabledRW, "020000000100000000000000",
			enabledRO, "000000000100010097000000",
			enabledRW, "0000000002000000b1000000",
			enabledFixedRO, "020000000000020000000000",
			enabledRO, "010000000200010000000000",
			enabledFixedRO, "010000000100020000000000",
			disabledRW, "010000000000000000000000",
			disabledRW, "000000000000000000000000",
		)},
		{FileVersion2, decodeHex(t,
			"02000000060000006d6f636b75700181010000080000001f00000063000000",
			"0000000063000000000000008500000000000000f1000000000000000000000013010000",
			"000000003b01000000000000000000005e010000000000000000000000000000",
			enabledRW, "0200000001000000030000000000000000000000",
			enabledRO, "00000000010001000100000000000000a7000000",
			enabledRW, "00000000020000000200000000000000c9000000",
			enabledFixedRO, "0200000000000200070000000000000000000000",
			enabledRO, "0100000002000100060000000000000000000000",
			enabledFixedRO, "0100000001000200050000000000000000000000",
			disabledRW, "0100000000000000040000000000000000000000",
			disabledRW, "0000000000000000080000000000000000000000",
		)},
	} {
		t.Run(fmt.Sprintf("v%d", tc.version), func(t *testing.T) {
			table, err := NewFlagTable("mockup", tc.version, testFlagEntries())
			require.NoError(t, err)
			buf, err := table.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(tc.expected), hex.EncodeToString(buf))
		})
	}
}

func TestPackageTable_HeaderGeometry(t *testing.T) {
	for _, tc := range []struct {
		version  uint32
		fileSize uint32
	}{
		{FileVersion1, 209},
		{FileVersion2, 233},
	} {
		t.Run(fmt.Sprintf("v%d", tc.version), func(t *testing.T) {
			table, err := NewPackageTable("mockup", tc.version, mockupPackages)
			require.NoError(t, err)

			h := table.Header
			assert.Equal(t, tc.version, h.Version)
			assert.Equal(t, "mockup", h.Container)
			assert.Equal(t, PackageMap, h.FileType)
			assert.Equal(t, uint32(3), h.NumPackages)
			assert.Equal(t, uint32(31), h.BucketOffset)
			assert.Equal(t, uint32(59), h.NodeOffset)
			assert.Equal(t, tc.fileSize, h.FileSize)
			assert.Len(t, table.Buckets, 7)

			buf, err := table.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, buf, int(tc.fileSize))
		})
	}
}

func TestPackageTable_RoundTrip(t *testing.T) {
	for _, version := range versions {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			table, err := NewPackageTable("mockup", version, mockupPackages)
			require.NoError(t, err)

			buf, err := table.MarshalBinary()
			require.NoError(t, err)

			decoded, err := UnmarshalPackageTable(buf)
			require.NoError(t, err)
			assert.Equal(t, table, decoded)

			var viaMethod PackageTable
			require.NoError(t, viaMethod.UnmarshalBinary(buf))
			assert.Equal(t, *table, viaMethod)

			for _, n := range decoded.Nodes {
				if version == FileVersion1 {
					assert.Zero(t, n.Fingerprint)
				} else {
					assert.NotZero(t, n.Fingerprint)
				}
			}
		})
	}
}

func TestFlagTable_RoundTrip(t *testing.T) {
	for _, version := range versions {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			table, err := NewFlagTable("mockup", version, testFlagEntries())
			require.NoError(t, err)
			assert.Equal(t, uint32(8), table.Header.NumFlags)
			assert.Len(t, table.Buckets, 17)

			buf, err := table.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, buf, int(table.Header.FileSize))

			decoded, err := UnmarshalFlagTable(buf)
			require.NoError(t, err)
			assert.Equal(t, table, decoded)
		})
	}
}

// checkChains walks every bucket of an encoded table and verifies that each
// node reached hashes to the bucket it was reached from, that chains are
// short, and that every node is reachable exactly once.
func checkChains(t *testing.T, buf []byte, fileType FileType, bucketOf func(n RawNode, numBuckets uint32) uint32) {
	t.Helper()
	l, err := ReadTableLayout(buf, fileType)
	require.NoError(t, err)

	seen := make(map[uint32]bool)
	for i := uint32(0); i < l.NumBuckets(); i++ {
		off, err := l.BucketSlot(buf, i)
		require.NoError(t, err)
		hops := uint32(0)
		for off != 0 {
			require.False(t, seen[off], "node at %d reached twice", off)
			seen[off] = true
			n, err := l.ReadNode(buf, off)
			require.NoError(t, err)
			assert.Equal(t, i, bucketOf(n, l.NumBuckets()))
			hops++
			require.LessOrEqual(t, hops, l.NumEntries)
			if n.NextOffset != 0 {
				// chain members are contiguous
				assert.Equal(t, n.End, n.NextOffset)
			}
			off = n.NextOffset
		}
	}
	assert.Len(t, seen, int(l.NumEntries))
}

func TestTables_ChainIntegrity(t *testing.T) {
	var entries []PackageEntry
	var flags []FlagEntry
	for i := 0; i < 200; i++ {
		entries = append(entries, PackageEntry{
			Name:              fmt.Sprintf("com.example.pkg%d", i),
			ID:                uint32(i),
			BooleanStartIndex: uint32(i * 3),
		})
		for j := 0; j < 3; j++ {
			flags = append(flags, FlagEntry{
				PackageID: uint32(i),
				Name:      fmt.Sprintf("flag_%d", j),
				Type:      ReadWriteBoolean,
				Index:     uint16(j),
			})
		}
	}

	for _, version := range versions {
		pkgs, err := NewPackageTable("system", version, entries)
		require.NoError(t, err)
		buf, err := pkgs.MarshalBinary()
		require.NoError(t, err)
		checkChains(t, buf, PackageMap, func(n RawNode, numBuckets uint32) uint32 {
			return hashing.BucketIndex(string(n.Key), numBuckets)
		})

		for i := 1; i < len(pkgs.Nodes); i++ {
			prev := hashing.BucketIndex(pkgs.Nodes[i-1].PackageName, uint32(len(pkgs.Buckets)))
			cur := hashing.BucketIndex(pkgs.Nodes[i].PackageName, uint32(len(pkgs.Buckets)))
			assert.LessOrEqual(t, prev, cur, "nodes must be sorted by bucket")
		}

		flagTable, err := NewFlagTable("system", version, flags)
		require.NoError(t, err)
		buf, err = flagTable.MarshalBinary()
		require.NoError(t, err)
		checkChains(t, buf, FlagMap, func(n RawNode, numBuckets uint32) uint32 {
			return hashing.FlagBucketIndex(n.ID, string(n.Key), numBuckets)
		})
	}
}

func TestNewPackageTable_Deterministic(t *testing.T) {
	a, err := NewPackageTable("mockup", DefaultFileVersion, mockupPackages)
	require.NoError(t, err)
	b, err := NewPackageTable("mockup", DefaultFileVersion, mockupPackages)
	require.NoError(t, err)
	abuf, err := a.MarshalBinary()
	require.NoError(t, err)
	bbuf, err := b.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, abuf, bbuf)
}

func TestNewTables_Errors(t *testing.T) {
	_, err := NewPackageTable("mockup", DefaultFileVersion, []PackageEntry{{Name: "a"}, {Name: "a", ID: 1}})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = NewFlagTable("mockup", DefaultFileVersion, []FlagEntry{{Name: "f"}, {Name: "f", Index: 1}})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// same name in different packages is fine
	_, err = NewFlagTable("mockup", DefaultFileVersion, []FlagEntry{{Name: "f"}, {PackageID: 1, Name: "f"}})
	assert.NoError(t, err)

	_, err = NewFlagTable("mockup", DefaultFileVersion, []FlagEntry{{Name: "f", Type: 9}})
	assert.Error(t, err)

	_, err = NewPackageTable("mockup", MaxSupportedFileVersion+1, mockupPackages)
	assert.ErrorIs(t, err, ErrHigherStorageFileVersion)
	_, err = NewFlagValueList("mockup", 0, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFileVersion)
}

func TestEmptyTable(t *testing.T) {
	table, err := NewPackageTable("empty", DefaultFileVersion, nil)
	require.NoError(t, err)
	assert.Len(t, table.Buckets, 7)
	assert.Equal(t, table.Header.NodeOffset, table.Header.FileSize)

	buf, err := table.MarshalBinary()
	require.NoError(t, err)
	decoded, err := UnmarshalPackageTable(buf)
	require.NoError(t, err)
	assert.Empty(t, decoded.Nodes)
}

func TestFlagValueList(t *testing.T) {
	values := []bool{false, true, false, false, true, true, false, true}
	for _, version := range versions {
		list, err := NewFlagValueList("system", version, values)
		require.NoError(t, err)
		assert.Equal(t, uint32(27), list.Header.BooleanValueOffset)
		assert.Equal(t, uint32(35), list.Header.FileSize)
		assert.Equal(t, uint32(8), list.Header.NumFlags)

		buf, err := list.MarshalBinary()
		require.NoError(t, err)
		require.Len(t, buf, 35)

		decoded, err := UnmarshalFlagValueList(buf)
		require.NoError(t, err)
		assert.Equal(t, list, decoded)

		l, err := ReadListLayout(buf, FlagVal)
		require.NoError(t, err)
		for i, want := range values {
			b, err := l.Element(buf, uint32(i))
			require.NoError(t, err)
			assert.Equal(t, want, b == 1)
		}
		_, err = l.Element(buf, 8)
		assert.ErrorIs(t, err, ErrInvalidStorageFileOffset)
	}
}

func TestFlagInfoList(t *testing.T) {
	attrs := []FlagAttribute{IsReadWrite, 0, IsReadWrite | HasLocalOverride, 0}
	list, err := NewFlagInfoList("system", DefaultFileVersion, attrs)
	require.NoError(t, err)
	assert.Equal(t, FlagInfo, list.Header.FileType)
	assert.Equal(t, uint32(27), list.Header.BooleanFlagOffset)
	assert.Equal(t, uint32(31), list.Header.FileSize)

	buf, err := list.MarshalBinary()
	require.NoError(t, err)

	decoded, err := UnmarshalFlagInfoList(buf)
	require.NoError(t, err)
	assert.Equal(t, list, decoded)
	assert.True(t, decoded.Nodes[2].IsReadWrite())
	assert.False(t, decoded.Nodes[1].IsReadWrite())

	// the value list decoder refuses an info list
	_, err = UnmarshalFlagValueList(buf)
	assert.ErrorIs(t, err, ErrFileTypeMismatch)
}

func setVersion(buf []byte, version uint32) []byte {
	out := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(out, version)
	return out
}

func encodedFiles(t *testing.T, version uint32) map[FileType][]byte {
	t.Helper()
	pkgs, err := NewPackageTable("mockup", version, mockupPackages)
	require.NoError(t, err)
	flags, err := NewFlagTable("mockup", version, testFlagEntries())
	require.NoError(t, err)
	values, err := NewFlagValueList("mockup", version, []bool{true, false})
	require.NoError(t, err)
	infos, err := NewFlagInfoList("mockup", version, []FlagAttribute{IsReadWrite, 0})
	require.NoError(t, err)

	files := make(map[FileType][]byte)
	for ft, m := range map[FileType]interface{ MarshalBinary() ([]byte, error) }{
		PackageMap: pkgs,
		FlagMap:    flags,
		FlagVal:    values,
		FlagInfo:   infos,
	} {
		buf, err := m.MarshalBinary()
		require.NoError(t, err)
		files[ft] = buf
	}
	return files
}

func unmarshalAny(ft FileType, buf []byte) error {
	var err error
	switch ft {
	case PackageMap:
		_, err = UnmarshalPackageTable(buf)
	case FlagMap:
		_, err = UnmarshalFlagTable(buf)
	case FlagVal:
		_, err = UnmarshalFlagValueList(buf)
	case FlagInfo:
		_, err = UnmarshalFlagInfoList(buf)
	}
	return err
}

func TestVersionGate(t *testing.T) {
	for ft, buf := range encodedFiles(t, DefaultFileVersion) {
		t.Run(ft.String(), func(t *testing.T) {
			newer := setVersion(buf, MaxSupportedFileVersion+1)
			err := unmarshalAny(ft, newer)
			require.ErrorIs(t, err, ErrHigherStorageFileVersion)
			assert.Contains(t, err.Error(), "cannot read storage file with a higher version of 3 with lib version 2")

			_, err = ParseHeader(newer)
			assert.ErrorIs(t, err, ErrHigherStorageFileVersion)

			// the version is checked before the rest of the header, so
			// even a truncated newer file reports the version
			_, err = ParseHeader(newer[:4])
			assert.ErrorIs(t, err, ErrHigherStorageFileVersion)

			assert.ErrorIs(t, unmarshalAny(ft, setVersion(buf, 0)), ErrUnsupportedFileVersion)
		})
	}
}

func TestParseHeader(t *testing.T) {
	for ft, buf := range encodedFiles(t, FileVersion1) {
		h, err := ParseHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, FileVersion1, h.Version)
		assert.Equal(t, "mockup", h.Container)
		assert.Equal(t, ft, h.FileType)
		assert.Equal(t, uint32(len(buf)), h.FileSize)
	}
}

func TestContainerNameMustBeUTF8(t *testing.T) {
	for ft, buf := range encodedFiles(t, DefaultFileVersion) {
		t.Run(ft.String(), func(t *testing.T) {
			bad := append([]byte(nil), buf...)
			// first byte of "mockup", after the version and length prefix
			bad[8] = 0xff

			_, err := ParseHeader(bad)
			require.ErrorIs(t, err, ErrBytesParse)
			require.ErrorIs(t, err, wire.ErrInvalidUTF8)

			err = unmarshalAny(ft, bad)
			require.ErrorIs(t, err, wire.ErrInvalidUTF8)
		})
	}
}

func TestCorruptFiles(t *testing.T) {
	files := encodedFiles(t, DefaultFileVersion)

	t.Run("truncated", func(t *testing.T) {
		for ft, buf := range files {
			for _, n := range []int{0, 3, 10, len(buf) - 1} {
				err := unmarshalAny(ft, buf[:n])
				assert.ErrorIs(t, err, ErrBytesParse, "%s truncated to %d", ft, n)
			}
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		assert.ErrorIs(t, unmarshalAny(FlagMap, files[PackageMap]), ErrFileTypeMismatch)
		assert.ErrorIs(t, unmarshalAny(PackageMap, files[FlagVal]), ErrFileTypeMismatch)
	})

	t.Run("bucket slot outside nodes", func(t *testing.T) {
		buf := append([]byte(nil), files[PackageMap]...)
		l, err := ReadTableLayout(buf, PackageMap)
		require.NoError(t, err)
		for i := uint32(0); i < l.NumBuckets(); i++ {
			binary.LittleEndian.PutUint32(buf[l.BucketOffset+4*i:], l.FileSize+10)
		}
		_, err = UnmarshalPackageTable(buf)
		assert.ErrorIs(t, err, ErrInvalidStorageFileOffset)
	})

	t.Run("node offset past file size", func(t *testing.T) {
		buf := append([]byte(nil), files[FlagMap]...)
		l, err := ReadTableLayout(buf, FlagMap)
		require.NoError(t, err)
		// node_offset is the last header field
		binary.LittleEndian.PutUint32(buf[l.BucketOffset-4:], l.FileSize+1)
		_, err = UnmarshalFlagTable(buf)
		assert.ErrorIs(t, err, ErrInvalidStorageFileOffset)
	})

	t.Run("bad flag type", func(t *testing.T) {
		buf := append([]byte(nil), files[FlagMap]...)
		l, err := ReadTableLayout(buf, FlagMap)
		require.NoError(t, err)
		n, err := l.ReadNode(buf, l.NodeOffset)
		require.NoError(t, err)
		valueAt := l.NodeOffset + 4 + uint32(len(n.Key)) + 4
		binary.LittleEndian.PutUint32(buf[valueAt:], PackFlagSlot(0, 7))
		_, err = UnmarshalFlagTable(buf)
		assert.ErrorIs(t, err, ErrCorruptStorageFile)
	})

	t.Run("value count disagrees with size", func(t *testing.T) {
		buf := append([]byte(nil), files[FlagVal]...)
		l, err := ReadListLayout(buf, FlagVal)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(buf[l.ValueOffset-8:], 5)
		_, err = UnmarshalFlagValueList(buf)
		assert.ErrorIs(t, err, ErrCorruptStorageFile)
	})
}

func TestFlagSlotPacking(t *testing.T) {
	v := PackFlagSlot(0x1234, FixedReadOnlyBoolean)
	assert.Equal(t, uint32(0x00021234), v)
	index, ft, err := UnpackFlagSlot(v)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), index)
	assert.Equal(t, FixedReadOnlyBoolean, ft)

	_, _, err = UnpackFlagSlot(PackFlagSlot(1, 3))
	assert.ErrorIs(t, err, ErrCorruptStorageFile)
}

func TestFileTypeNames(t *testing.T) {
	for _, ft := range []FileType{PackageMap, FlagMap, FlagVal, FlagInfo} {
		parsed, err := ParseFileType(ft.String())
		require.NoError(t, err)
		assert.Equal(t, ft, parsed)
	}
	_, err := ParseFileType("bogus")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	table, err := NewPackageTable("mockup", DefaultFileVersion, mockupPackages)
	require.NoError(t, err)
	s := table.String()
	assert.Contains(t, s, "Container: mockup")
	assert.Contains(t, s, "Node Offset: 59")
	assert.Contains(t, s, "Package: com.example.flagstore.storage.pk_2, Id: 1, Boolean flag start index: 3")
}
