// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package query answers lookups directly against the bytes of storage
// files, typically memory-mapped, without decoding whole tables.  Nothing
// here allocates on success.
package query

import (
	"fmt"

	"github.com/bpowers/flagstore/internal/hashing"
	"github.com/bpowers/flagstore/internal/unsafestring"
	"github.com/bpowers/flagstore/storagefile"
)

// PackageReadContext is what a reader needs to address a package's flags.
type PackageReadContext struct {
	PackageID         uint32
	BooleanStartIndex uint32
	Fingerprint       uint64
}

// FlagReadContext locates a flag within its package.
type FlagReadContext struct {
	FlagType  storagefile.StoredFlagType
	FlagIndex uint16
}

// findNode walks the chain for bucket, returning the first node match
// accepts.  The walk is capped at the table's entry count so a cyclic chain
// is reported instead of looping forever.
func findNode(buf []byte, l storagefile.TableLayout, bucket uint32, match func(*storagefile.RawNode) bool) (storagefile.RawNode, bool, error) {
	off, err := l.BucketSlot(buf, bucket)
	if err != nil {
		return storagefile.RawNode{}, false, err
	}
	for hops := uint32(0); off != 0; hops++ {
		if hops >= l.NumEntries {
			return storagefile.RawNode{}, false, fmt.Errorf("%w: chain from bucket %d longer than %d entries",
				storagefile.ErrCorruptStorageFile, bucket, l.NumEntries)
		}
		n, err := l.ReadNode(buf, off)
		if err != nil {
			return storagefile.RawNode{}, false, err
		}
		if match(&n) {
			return n, true, nil
		}
		off = n.NextOffset
	}
	return storagefile.RawNode{}, false, nil
}

// FindPackageReadContext looks packageName up in a package table.  A
// missing package is reported with ok == false and a nil error.
func FindPackageReadContext(buf []byte, packageName string) (ctx PackageReadContext, ok bool, err error) {
	l, err := storagefile.ReadTableLayout(buf, storagefile.PackageMap)
	if err != nil {
		return ctx, false, err
	}
	bucket := hashing.BucketIndex(packageName, l.NumBuckets())
	n, ok, err := findNode(buf, l, bucket, func(n *storagefile.RawNode) bool {
		return unsafestring.Equal(n.Key, packageName)
	})
	if err != nil || !ok {
		return ctx, false, err
	}
	return PackageReadContext{
		PackageID:         n.ID,
		BooleanStartIndex: n.Value,
		Fingerprint:       n.Fingerprint,
	}, true, nil
}

// FindFlagReadContext looks up flagName within the package packageID in a
// flag table.
func FindFlagReadContext(buf []byte, packageID uint32, flagName string) (ctx FlagReadContext, ok bool, err error) {
	l, err := storagefile.ReadTableLayout(buf, storagefile.FlagMap)
	if err != nil {
		return ctx, false, err
	}
	bucket := hashing.FlagBucketIndex(packageID, flagName, l.NumBuckets())
	n, ok, err := findNode(buf, l, bucket, func(n *storagefile.RawNode) bool {
		return n.ID == packageID && unsafestring.Equal(n.Key, flagName)
	})
	if err != nil || !ok {
		return ctx, false, err
	}
	index, flagType, err := storagefile.UnpackFlagSlot(n.Value)
	if err != nil {
		return ctx, false, err
	}
	return FlagReadContext{FlagType: flagType, FlagIndex: index}, true, nil
}

// FindBooleanFlagValue reads the value at an absolute offset
// (package start index plus flag index) from a flag value list.
func FindBooleanFlagValue(buf []byte, offset uint32) (bool, error) {
	l, err := storagefile.ReadListLayout(buf, storagefile.FlagVal)
	if err != nil {
		return false, err
	}
	b, err := l.Element(buf, offset)
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

// FindBooleanFlagAttribute reads the attribute byte at an absolute offset
// from a flag info list.
func FindBooleanFlagAttribute(buf []byte, offset uint32) (storagefile.FlagAttribute, error) {
	l, err := storagefile.ReadListLayout(buf, storagefile.FlagInfo)
	if err != nil {
		return 0, err
	}
	b, err := l.Element(buf, offset)
	if err != nil {
		return 0, err
	}
	return storagefile.FlagAttribute(b), nil
}
