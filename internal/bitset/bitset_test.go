// Copyright 2021 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	for _, length := range []uint32{0, 1, 63, 64, 65, 1000} {
		b := New(length)
		require.Equal(t, length, b.Len())
		for i := uint32(0); i < length; i++ {
			require.False(t, b.IsSet(i))
		}

		for i := uint32(0); i < length; i += 3 {
			b.Set(i)
		}
		for i := uint32(0); i < length; i++ {
			require.Equal(t, i%3 == 0, b.IsSet(i), "bit %d of %d", i, length)
		}

		// setting twice is idempotent
		b.Set(0)
		if length > 0 {
			require.True(t, b.IsSet(0))
			require.False(t, b.IsSet(1))
		}

		// out of range is a no-op rather than a panic
		b.Set(length)
		b.Set(length + 64)
		require.False(t, b.IsSet(length))
		require.False(t, b.IsSet(length + 64))
	}
}
