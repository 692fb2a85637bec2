// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

// Ring is a fixed-capacity circular buffer.
//
// # Description
//
// Provides O(1) append and bounded memory usage. When full, the oldest
// item is overwritten. The metric store keeps the last N measurements
// in one of these.
//
// # Thread Safety
//
// NOT safe for concurrent use; the owning Store synchronizes access.
type Ring[T any] struct {
	data  []T
	head  int // next write position
	tail  int // oldest element position
	count int
	full  bool
}

// NewRing creates a ring with the given capacity.
//
// Non-positive capacities fall back to a default of 1000.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Append adds an item, evicting the oldest when the ring is full.
func (r *Ring[T]) Append(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)

	if r.full {
		r.tail = (r.tail + 1) % len(r.data)
		return
	}
	r.count++
	if r.count == len(r.data) {
		r.full = true
	}
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Newest returns the most recently appended item.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx = len(r.data) - 1
	}
	return r.data[idx], true
}

// Items copies out all items from oldest to newest.
//
// The returned slice is independent of the ring's backing array.
func (r *Ring[T]) Items() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	if r.full {
		n := copy(out, r.data[r.tail:])
		copy(out[n:], r.data[:r.head])
	} else {
		copy(out, r.data[r.tail:r.tail+r.count])
	}
	return out
}

// ReverseEach visits items from newest to oldest until fn returns false.
//
// Window queries use this to stop scanning as soon as an item falls
// outside the lookback horizon.
func (r *Ring[T]) ReverseEach(fn func(item T) bool) {
	for i := 0; i < r.count; i++ {
		idx := r.head - 1 - i
		for idx < 0 {
			idx += len(r.data)
		}
		if !fn(r.data[idx]) {
			return
		}
	}
}
