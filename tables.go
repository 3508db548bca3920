// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"fmt"

	"github.com/bpowers/flagstore/internal/bitset"
	"github.com/bpowers/flagstore/internal/hashing"
	"github.com/bpowers/flagstore/storagefile"
)

// packageFingerprint covers the flags that have storage slots, since those
// are the ones whose offsets generated code depends on.
func packageFingerprint(pkg *FlagPackage) uint64 {
	names := make([]string, len(pkg.BooleanFlags))
	for i, f := range pkg.BooleanFlags {
		names[i] = f.Name
	}
	return hashing.PackageFingerprint(names)
}

// CreatePackageTable builds the package table for packages.
func CreatePackageTable(container string, version uint32, packages []FlagPackage) (*storagefile.PackageTable, error) {
	entries := make([]storagefile.PackageEntry, len(packages))
	for i := range packages {
		pkg := &packages[i]
		entries[i] = storagefile.PackageEntry{
			Name:              pkg.Name,
			ID:                pkg.ID,
			BooleanStartIndex: pkg.BooleanStartIndex,
			Fingerprint:       packageFingerprint(pkg),
		}
	}
	return storagefile.NewPackageTable(container, version, entries)
}

// CreateFlagTable builds the flag table for every storage-allocated flag.
func CreateFlagTable(container string, version uint32, packages []FlagPackage) (*storagefile.FlagTable, error) {
	entries := make([]storagefile.FlagEntry, 0, booleanCount(packages))
	for i := range packages {
		pkg := &packages[i]
		ids, err := AssignFlagIDs(pkg.Name, pkg.BooleanFlags)
		if err != nil {
			return nil, err
		}
		for _, f := range pkg.BooleanFlags {
			id, ok := ids[f.Name]
			if !ok {
				return nil, &MissingFlagOffsetError{Package: pkg.Name, Flag: f.Name}
			}
			entries = append(entries, storagefile.FlagEntry{
				PackageID:   pkg.ID,
				Name:        f.Name,
				Type:        f.StoredType(),
				Index:       id,
				Fingerprint: hashing.FlagFingerprint(pkg.Name, f.Name),
			})
		}
	}
	return storagefile.NewFlagTable(container, version, entries)
}

// CreateFlagValueList records each storage-allocated flag's build-time state
// at its package start index plus flag id.
func CreateFlagValueList(container string, version uint32, packages []FlagPackage) (*storagefile.FlagValueList, error) {
	enabled := bitset.New(booleanCount(packages))
	err := forEachSlot(packages, AssignFlagIDs, func(slot uint32, f *FlagDefinition) {
		if f.State == Enabled {
			enabled.Set(slot)
		}
	})
	if err != nil {
		return nil, err
	}

	values := make([]bool, enabled.Len())
	for i := range values {
		values[i] = enabled.IsSet(uint32(i))
	}
	return storagefile.NewFlagValueList(container, version, values)
}

// CreateFlagInfo builds the flag info list: every slot starts read-only and
// read-write flags have their bit set.  Ids are re-derived with
// AssignFlagIDs so the list always agrees with the flag table.
func CreateFlagInfo(container string, version uint32, packages []FlagPackage) (*storagefile.FlagInfoList, error) {
	return createFlagInfo(container, version, packages, AssignFlagIDs)
}

func createFlagInfo(container string, version uint32, packages []FlagPackage, assign idAssigner) (*storagefile.FlagInfoList, error) {
	readWrite := bitset.New(booleanCount(packages))
	err := forEachSlot(packages, assign, func(slot uint32, f *FlagDefinition) {
		if f.Permission == ReadWrite {
			readWrite.Set(slot)
		}
	})
	if err != nil {
		return nil, err
	}

	attrs := make([]storagefile.FlagAttribute, readWrite.Len())
	for i := range attrs {
		if readWrite.IsSet(uint32(i)) {
			attrs[i] = storagefile.IsReadWrite
		}
	}
	return storagefile.NewFlagInfoList(container, version, attrs)
}

// forEachSlot calls fn with the absolute slot of every storage-allocated
// flag.  Exempt flags are skipped, and a missing id for any other flag is a
// *MissingFlagOffsetError.
func forEachSlot(packages []FlagPackage, assign idAssigner, fn func(slot uint32, f *FlagDefinition)) error {
	total := booleanCount(packages)
	for i := range packages {
		pkg := &packages[i]
		ids, err := assign(pkg.Name, pkg.BooleanFlags)
		if err != nil {
			return err
		}
		for _, f := range pkg.Flags {
			id, ok := ids[f.Name]
			if !ok {
				if f.IsExempt() {
					continue
				}
				return &MissingFlagOffsetError{Package: pkg.Name, Flag: f.Name}
			}
			// ids must stay inside the package's own range
			slot := uint64(pkg.BooleanStartIndex) + uint64(id)
			if int(id) >= len(pkg.BooleanFlags) || slot >= uint64(total) {
				return fmt.Errorf("%w: %s.%s has id %d but the package has %d slots",
					storagefile.ErrInvalidStorageFileOffset, pkg.Name, f.Name, id, len(pkg.BooleanFlags))
			}
			fn(uint32(slot), f)
		}
	}
	return nil
}
