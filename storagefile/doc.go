// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package storagefile contains the structures for building, encoding and
// decoding the four files that make up a container's flag storage: the
// package table, the flag table, the flag value list and the flag info list.
//
// All integers are little-endian and all strings are a u32 length followed
// by UTF-8 bytes, with no padding anywhere.  Every file starts with:
//
//	+---------+-------------------+-----------+-----------+
//	| version | container         | file_type | file_size |
//	| u32     | u32 len + bytes   | u8        | u32       |
//	+---------+-------------------+-----------+-----------+
//
// The package and flag tables are chained hash tables:
//
//	┌────────────────────────────────────┐
//	│ header                             │
//	│   ... num_entries u32              │
//	│       bucket_offset u32            │
//	│       node_offset u32              │
//	├────────────────────────────────────┤ bucket_offset
//	│ num_buckets × u32 slots            │
//	│ (0 = empty, else node file offset) │
//	├────────────────────────────────────┤ node_offset
//	│ nodes, sorted by bucket index      │
//	│                                    │
//	└────────────────────────────────────┘ file_size
//
// A node is:
//
//	+----------------+--------+--------+----------------------+-------------+
//	| key            | id     | value  | fingerprint          | next_offset |
//	| u32 len + data | u32    | u32    | u64, version >= 2    | u32, 0=tail |
//	+----------------+--------+--------+----------------------+-------------+
//
// For the package table the key is the package name, the id is the package
// id and the value is the package's boolean start index.  For the flag table
// the key is the flag name, the id is the owning package id and the value
// packs the flag index into the low 16 bits and the stored flag type into
// the high 16 bits.
//
// Bucket slots and next_offset values are absolute offsets from the start of
// the file.  Nodes that share a bucket are adjacent, so walking a chain
// reads consecutive bytes.
//
// The flag value and flag info lists are flat arrays of one byte per
// boolean flag, following a header that ends with num_flags and the offset
// of the first element.  A flag's element lives at
// package boolean start index + flag index.
package storagefile
