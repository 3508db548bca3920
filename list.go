// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/bpowers/flagstore/storagefile"
)

// FlagListing is one row of ListFlags.
type FlagListing struct {
	Package string
	Flag    string
	Type    storagefile.StoredFlagType
	Value   bool
}

func (l FlagListing) String() string {
	return fmt.Sprintf("%s %s %s %t", l.Package, l.Flag, l.Type, l.Value)
}

// ListFlags decodes a container's package table, flag table and flag value
// list and joins them, sorted by package then flag name.  Any decode error
// fails the whole listing.
func ListFlags(packageMap, flagMap, flagVal []byte) ([]FlagListing, error) {
	packages, err := storagefile.UnmarshalPackageTable(packageMap)
	if err != nil {
		return nil, fmt.Errorf("package map: %w", err)
	}
	flags, err := storagefile.UnmarshalFlagTable(flagMap)
	if err != nil {
		return nil, fmt.Errorf("flag map: %w", err)
	}
	values, err := storagefile.UnmarshalFlagValueList(flagVal)
	if err != nil {
		return nil, fmt.Errorf("flag value: %w", err)
	}

	byID := make(map[uint32]*storagefile.PackageTableNode, len(packages.Nodes))
	for i := range packages.Nodes {
		n := &packages.Nodes[i]
		byID[n.PackageID] = n
	}

	listing := make([]FlagListing, 0, len(flags.Nodes))
	for _, f := range flags.Nodes {
		pkg, ok := byID[f.PackageID]
		if !ok {
			return nil, fmt.Errorf("%w: flag %s refers to unknown package id %d",
				storagefile.ErrCorruptStorageFile, f.FlagName, f.PackageID)
		}
		slot := uint64(pkg.BooleanStartIndex) + uint64(f.FlagIndex)
		if slot >= uint64(len(values.Booleans)) {
			return nil, fmt.Errorf("%w: %s.%s at %d beyond %d values",
				storagefile.ErrInvalidStorageFileOffset, pkg.PackageName, f.FlagName, slot, len(values.Booleans))
		}
		listing = append(listing, FlagListing{
			Package: pkg.PackageName,
			Flag:    f.FlagName,
			Type:    f.FlagType,
			Value:   values.Booleans[slot],
		})
	}

	slices.SortFunc(listing, func(a, b FlagListing) int {
		return cmp.Or(cmp.Compare(a.Package, b.Package), cmp.Compare(a.Flag, b.Flag))
	})
	return listing, nil
}

// List returns every flag stored in the container.
func (c *Container) List() ([]FlagListing, error) {
	listing, err := ListFlags(c.packageMap.Data(), c.flagMap.Data(), c.flagVal.Data())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return listing, nil
}
