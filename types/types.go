// Copyright 2026 The AccelFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package types holds the small generic containers shared across accelfuse:
// currently only Set, used for preserve sets, membership tests during
// segmentation and the operation/dtype capability tables of engine compilers.
package types

import (
	"maps"
	"slices"
)

// Set of comparable keys. The zero value is not usable; create one with
// MakeSet or SetWith.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set. An optional size hint reserves capacity.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith returns a Set holding the given elements.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds keys to the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// SortedStrings returns the elements of a string set in sorted order, for
// deterministic iteration and error messages.
func SortedStrings(s Set[string]) []string {
	return slices.Sorted(maps.Keys(s))
}
