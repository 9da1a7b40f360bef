// Package xslices provides small slice and map helpers missing from the standard
// slices package.
package xslices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// At takes the element at the given index, where index can be negative, in which case
// it counts from the end of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// Keys returns the keys of a map in the form of a slice.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	sort.Slice(s, func(i, j int) bool {
		return s[i] < s[j]
	})
	return s
}

// Map applies fn to each element of the slice, returning a new slice of the results.
func Map[In, Out any](slice []In, fn func(In) Out) []Out {
	result := make([]Out, len(slice))
	for ii, value := range slice {
		result[ii] = fn(value)
	}
	return result
}

// FillSlice returns a slice of the given size with every element set to value.
func FillSlice[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}
