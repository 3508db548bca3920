// Copyright 2021 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

// Bitset is an in-memory bitmap that is conceptually similar to []bool, but more memory efficient.
type Bitset struct {
	bits   []uint64
	length uint32
}

func getOffsets(off uint32) (sliceOff uint32, bitOff uint64) {
	return off / 64, uint64(off) % 64
}

// Set sets the bit at position `off` to 1.  Out of range positions are ignored.
func (b *Bitset) Set(off uint32) {
	if off >= b.length {
		return
	}
	sliceOff, bitOff := getOffsets(off)
	b.bits[sliceOff] |= 1 << bitOff
}

// IsSet returns true if the bit at position `off` is 1.
func (b *Bitset) IsSet(off uint32) bool {
	if off >= b.length {
		return false
	}
	sliceOff, bitOff := getOffsets(off)
	return b.bits[sliceOff]&(1<<bitOff) != 0
}

// Len is the number of addressable bits.
func (b *Bitset) Len() uint32 {
	return b.length
}

// New returns a new in-memory bitset where you can set and test individual bits.
func New(length uint32) *Bitset {
	sliceLen := (uint64(length) + 63) / 64
	return &Bitset{
		bits:   make([]uint64, sliceLen),
		length: length,
	}
}
