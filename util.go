// Copyright 2021 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package flagstore

import (
	"maps"
	"slices"
)

type stringSet map[string]struct{}

func (set stringSet) Contains(s string) bool {
	_, ok := set[s]
	return ok
}

func (set stringSet) Add(s string) {
	set[s] = struct{}{}
}

// Sorted returns the members of set in ascending order.
func (set stringSet) Sorted() []string {
	return slices.Sorted(maps.Keys(set))
}
