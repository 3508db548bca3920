// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"fmt"
	"math"
)

// FlagPackage is the set of flags declared in one package, along with the
// package's place in the container's storage.
type FlagPackage struct {
	Name string
	ID   uint32
	// Flags holds every flag of the package, including exempt ones.
	Flags []*FlagDefinition
	// BooleanFlags holds the flags that get a storage slot.
	BooleanFlags []*FlagDefinition
	// BooleanStartIndex is the offset of the package's first slot in the
	// flag value and flag info lists.
	BooleanStartIndex uint32
}

// GroupFlagsByPackage groups flags by package in first-seen order, assigns
// package ids in that order, and gives every package a contiguous range of
// boolean slots following the previous package's.
func GroupFlagsByPackage(flags []FlagDefinition) ([]FlagPackage, error) {
	var packages []FlagPackage
	byName := make(map[string]int)
	for i := range flags {
		f := &flags[i]
		idx, ok := byName[f.Package]
		if !ok {
			idx = len(packages)
			byName[f.Package] = idx
			packages = append(packages, FlagPackage{
				Name: f.Package,
				ID:   uint32(idx),
			})
		}
		pkg := &packages[idx]
		pkg.Flags = append(pkg.Flags, f)
		if !f.IsExempt() {
			pkg.BooleanFlags = append(pkg.BooleanFlags, f)
		}
	}

	var start uint64
	for i := range packages {
		packages[i].BooleanStartIndex = uint32(start)
		start += uint64(len(packages[i].BooleanFlags))
		if start > math.MaxUint32 {
			return nil, fmt.Errorf("%w: more than %d boolean flags", ErrTooManyFlags, uint32(math.MaxUint32))
		}
	}
	return packages, nil
}

// AssignFlagIDs gives each flag a dense id within its package, in flag name
// order.  Callers pass the package's BooleanFlags; exempt flags never get
// an id.
func AssignFlagIDs(pkg string, flags []*FlagDefinition) (map[string]uint16, error) {
	names := make(stringSet, len(flags))
	for _, f := range flags {
		if f.Package != pkg {
			return nil, fmt.Errorf("flag %s does not belong to package %s", f.QualifiedName(), pkg)
		}
		if names.Contains(f.Name) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFlag, f.QualifiedName())
		}
		names.Add(f.Name)
	}
	if len(names) > math.MaxUint16+1 {
		return nil, fmt.Errorf("%w: %s has %d flags", ErrTooManyFlags, pkg, len(names))
	}

	ids := make(map[string]uint16, len(names))
	for i, name := range names.Sorted() {
		ids[name] = uint16(i)
	}
	return ids, nil
}

// booleanCount is the number of storage slots across packages.
func booleanCount(packages []FlagPackage) uint32 {
	var n uint32
	for i := range packages {
		n += uint32(len(packages[i].BooleanFlags))
	}
	return n
}

// MissingFlagOffsetError is returned when a flag that needs a storage slot
// has no id.  It always indicates a bug in the build pipeline.
type MissingFlagOffsetError struct {
	Package string
	Flag    string
}

func (e *MissingFlagOffsetError) Error() string {
	return fmt.Sprintf("missing flag offset for %s.%s", e.Package, e.Flag)
}

func (e *MissingFlagOffsetError) Unwrap() error {
	return ErrMissingFlagOffset
}

type idAssigner func(pkg string, flags []*FlagDefinition) (map[string]uint16, error)

// resolveOffsets maps every flag of pkg to its id.  Exempt flags without an
// id map to a placeholder of 0; any other flag without one is an error.
func resolveOffsets(pkg *FlagPackage, assign idAssigner) (map[string]uint16, error) {
	ids, err := assign(pkg.Name, pkg.BooleanFlags)
	if err != nil {
		return nil, err
	}
	offsets := make(map[string]uint16, len(pkg.Flags))
	for _, f := range pkg.Flags {
		id, ok := ids[f.Name]
		if !ok {
			if !f.IsExempt() {
				return nil, &MissingFlagOffsetError{Package: pkg.Name, Flag: f.Name}
			}
			id = 0
		}
		offsets[f.Name] = id
	}
	return offsets, nil
}

// FlagOffsets is the flag name to offset mapping that code generators
// embed in accessors.  Exempt flags map to 0 and must not be looked up in
// storage.
func FlagOffsets(pkg *FlagPackage) (map[string]uint16, error) {
	return resolveOffsets(pkg, AssignFlagIDs)
}
