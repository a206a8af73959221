// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package intervalmap provides an ordered set of non-overlapping
// address intervals, each carrying a value.
//
// Intervals are kept in a B-tree whose ordering treats two intervals
// as equal when they intersect. A lookup with any key therefore lands
// on a stored interval intersecting it, and overlap detection on
// insert is a single lookup.
package intervalmap

import (
	"math"

	"github.com/google/btree"
)

const degree = 32

type entry[V any] struct {
	iv  Interval
	val V
}

func less[V any](a, b entry[V]) bool {
	return a.iv.Last < b.iv.Start
}

// Splitter derives the value for part, a sub-interval of orig, from
// the value v stored for orig.
type Splitter[V any] func(v V, orig, part Interval) V

// Map is an interval map. It is not safe for concurrent use.
type Map[V any] struct {
	tree *btree.BTreeG[entry[V]]
}

func New[V any]() *Map[V] {
	return &Map[V]{
		tree: btree.NewG(degree, less[V]),
	}
}

func (m *Map[V]) Len() int {
	return m.tree.Len()
}

// Insert adds iv. It fails with *OverlapError if any stored interval
// intersects iv.
func (m *Map[V]) Insert(iv Interval, v V) error {
	if e, ok := m.tree.Get(entry[V]{iv: iv}); ok {
		return &OverlapError{New: iv, Existing: e.iv}
	}
	m.tree.ReplaceOrInsert(entry[V]{iv: iv, val: v})
	return nil
}

// Lookup returns some stored interval intersecting iv. It makes no
// promise that iv is covered.
func (m *Map[V]) Lookup(iv Interval) (Interval, V, bool) {
	e, ok := m.tree.Get(entry[V]{iv: iv})
	return e.iv, e.val, ok
}

// LookupPoint returns the interval containing addr.
func (m *Map[V]) LookupPoint(addr uint64) (Interval, V, bool) {
	return m.Lookup(Point(addr))
}

// first returns the lowest stored interval intersecting iv.
func (m *Map[V]) first(iv Interval) (entry[V], bool) {
	var found entry[V]
	ok := false
	m.tree.AscendGreaterOrEqual(entry[V]{iv: Point(iv.Start)}, func(e entry[V]) bool {
		if e.iv.Start <= iv.Last {
			found = e
			ok = true
		}
		return false
	})
	return found, ok
}

// Delete removes the interval exactly equal to iv.
func (m *Map[V]) Delete(iv Interval) bool {
	e, ok := m.tree.Get(entry[V]{iv: iv})
	if !ok || e.iv != iv {
		return false
	}
	m.tree.Delete(e)
	return true
}

// RemoveRange removes everything inside iv, walking from low to high
// addresses. Stored intervals entirely inside iv are removed. A stored
// interval that sticks out of iv must be split; with a nil split
// function that fails with *RangeError and the walk stops, leaving the
// removals already made in place. With a split function, the parts
// outside iv are re-inserted with values derived by split.
//
// removed is called for every removed piece.
func (m *Map[V]) RemoveRange(iv Interval, split Splitter[V], removed func(Interval, V)) error {
	for iv.Valid() {
		e, ok := m.first(iv)
		if !ok {
			return nil
		}

		cut := e.iv
		val := e.val
		if !iv.Covers(e.iv) {
			if split == nil {
				return &RangeError{Query: iv, Entry: e.iv}
			}
			cut = e.iv.Intersect(iv)
			val = split(e.val, e.iv, cut)
		}

		m.tree.Delete(e)
		if e.iv.Start < cut.Start {
			left := Interval{Start: e.iv.Start, Last: cut.Start - 1}
			m.tree.ReplaceOrInsert(entry[V]{iv: left, val: split(e.val, e.iv, left)})
		}
		if cut.Last < e.iv.Last {
			right := Interval{Start: cut.Last + 1, Last: e.iv.Last}
			m.tree.ReplaceOrInsert(entry[V]{iv: right, val: split(e.val, e.iv, right)})
		}
		if removed != nil {
			removed(cut, val)
		}

		if cut.Last == math.MaxUint64 {
			return nil
		}
		// Intervals are visited in order, so nothing below cut is left.
		iv.Start = cut.Last + 1
	}
	return nil
}

// Ascend calls fn for every interval in address order until fn returns
// false.
func (m *Map[V]) Ascend(fn func(Interval, V) bool) {
	m.tree.Ascend(func(e entry[V]) bool {
		return fn(e.iv, e.val)
	})
}

// AscendRange calls fn for the intervals intersecting iv, in order.
func (m *Map[V]) AscendRange(iv Interval, fn func(Interval, V) bool) {
	m.tree.AscendGreaterOrEqual(entry[V]{iv: Point(iv.Start)}, func(e entry[V]) bool {
		if e.iv.Start > iv.Last {
			return false
		}
		return fn(e.iv, e.val)
	})
}

func (m *Map[V]) Clear() {
	m.tree.Clear(false)
}
