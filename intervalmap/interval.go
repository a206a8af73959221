// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package intervalmap

import (
	"fmt"
	"math"
)

// Interval is a closed address range [Start, Last]. Using an inclusive
// upper bound lets the map describe ranges that end at the top of the
// 64-bit address space.
type Interval struct {
	Start uint64
	Last  uint64
}

// Range returns the interval of size bytes starting at start. The
// result is clamped to the top of the address space.
func Range(start, size uint64) Interval {
	if size == 0 {
		return Interval{Start: start, Last: start}
	}
	if size-1 > math.MaxUint64-start {
		return Interval{Start: start, Last: math.MaxUint64}
	}
	return Interval{Start: start, Last: start + size - 1}
}

// Point is the single-byte interval at addr.
func Point(addr uint64) Interval {
	return Interval{Start: addr, Last: addr}
}

func (i Interval) Valid() bool {
	return i.Start <= i.Last
}

// Size returns the number of bytes covered. The full 64-bit range
// reports 0, as its size does not fit.
func (i Interval) Size() uint64 {
	return i.Last - i.Start + 1
}

func (i Interval) Contains(addr uint64) bool {
	return addr >= i.Start && addr <= i.Last
}

func (i Interval) Intersects(o Interval) bool {
	return i.Start <= o.Last && o.Start <= i.Last
}

// Covers reports whether o lies entirely inside i.
func (i Interval) Covers(o Interval) bool {
	return i.Start <= o.Start && o.Last <= i.Last
}

// Intersect returns the common part of i and o. The result is only
// meaningful if the two intersect.
func (i Interval) Intersect(o Interval) Interval {
	r := i
	if o.Start > r.Start {
		r.Start = o.Start
	}
	if o.Last < r.Last {
		r.Last = o.Last
	}
	return r
}

func (i Interval) String() string {
	return fmt.Sprintf("[0x%x,0x%x]", i.Start, i.Last)
}

// OverlapError is returned when inserting an interval that intersects
// a stored one.
type OverlapError struct {
	New      Interval
	Existing Interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("interval %v overlaps %v", e.New, e.Existing)
}

// RangeError is returned by RemoveRange when a stored interval would
// have to be split and no Splitter was supplied.
type RangeError struct {
	Query Interval
	Entry Interval
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("removing %v would split %v", e.Query, e.Entry)
}
