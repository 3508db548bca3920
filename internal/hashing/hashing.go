// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package hashing maps table keys to buckets, chooses bucket counts, and
// computes the structural fingerprints stored alongside table nodes.
//
// Everything here is part of the on-disk format: changing a hash function,
// a key encoding or the table size list is a breaking format revision.
package hashing

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-farm"

	"github.com/bpowers/flagstore/internal/unsafestring"
)

var ErrUnsupportedTableSize = errors.New("number of table entries exceeds the largest supported table size")

// tableSizes is the frozen list of bucket counts for format versions 1 and 2.
var tableSizes = [...]uint32{
	7, 17, 29, 53, 97, 193, 389, 769, 1543, 3079, 6151, 12289, 24593,
	49157, 98317, 196613, 393241, 786433, 1572869, 3145739, 6291469,
	12582917, 25165843, 50331653, 100663319, 201326611, 402653189,
	805306457, 1610612741,
}

// TableSize returns the smallest bucket count that keeps the load factor
// at or below one half.
func TableSize(numEntries uint32) (uint32, error) {
	want := 2 * uint64(numEntries)
	for _, n := range tableSizes {
		if uint64(n) >= want {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%d entries: %w", numEntries, ErrUnsupportedTableSize)
}

// BucketIndex hashes key into one of numBuckets buckets.  numBuckets must be
// non-zero.
func BucketIndex(key string, numBuckets uint32) uint32 {
	return uint32(farm.Hash64(unsafestring.ToBytes(key)) % uint64(numBuckets))
}

// FlagBucketIndex is BucketIndex over the flag table key
// "<package id>/<flag name>", built without allocating for typical names.
func FlagBucketIndex(packageID uint32, flagName string, numBuckets uint32) uint32 {
	var keyBuf [128]byte
	key := strconv.AppendUint(keyBuf[:0], uint64(packageID), 10)
	key = append(key, '/')
	key = append(key, flagName...)
	return uint32(farm.Hash64(key) % uint64(numBuckets))
}

// PackageFingerprint summarizes the set of flags in a package.  Generated
// accessors embed it so a reader can tell that the offsets they were built
// with still describe the table on the device.
func PackageFingerprint(flagNames []string) uint64 {
	sorted := slices.Clone(flagNames)
	slices.Sort(sorted)
	d := xxhash.New()
	for _, name := range sorted {
		_, _ = d.WriteString(name)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// FlagFingerprint identifies a single flag within its package.
func FlagFingerprint(packageName, flagName string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(packageName)
	_, _ = d.Write([]byte{'/'})
	_, _ = d.WriteString(flagName)
	return d.Sum64()
}
