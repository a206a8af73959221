// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package intervalmap

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

type piece struct {
	Start, Last uint64
	Val         uint64
}

func contents(m *Map[uint64]) []piece {
	var r []piece
	m.Ascend(func(iv Interval, v uint64) bool {
		r = append(r, piece{iv.Start, iv.Last, v})
		return true
	})
	return r
}

// offsetSplit keeps a value that is a base address consistent with the
// start of the piece, like a physical address in an IOMMU mapping.
func offsetSplit(v uint64, orig, part Interval) uint64 {
	return v + part.Start - orig.Start
}

func TestInsertOverlap(t *testing.T) {
	m := New[uint64]()
	if err := m.Insert(Range(0x1000, 0x1000), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for _, iv := range []Interval{
		Range(0x1000, 0x1000),
		Range(0x1800, 0x10),
		Range(0x0, 0x1001),
		Range(0x1fff, 0x1000),
		Range(0x0, 0x10000),
	} {
		err := m.Insert(iv, 2)
		var oe *OverlapError
		if !errors.As(err, &oe) {
			t.Errorf("Insert(%v): got %v, want OverlapError", iv, err)
			continue
		}
		if oe.Existing != Range(0x1000, 0x1000) {
			t.Errorf("Insert(%v): existing %v", iv, oe.Existing)
		}
	}

	// Touching intervals do not overlap.
	if err := m.Insert(Range(0x2000, 0x1000), 3); err != nil {
		t.Errorf("Insert adjacent: %v", err)
	}
	if err := m.Insert(Range(0x0, 0x1000), 4); err != nil {
		t.Errorf("Insert adjacent: %v", err)
	}
	if m.Len() != 3 {
		t.Errorf("Len: got %d, want 3", m.Len())
	}
}

func TestLookup(t *testing.T) {
	m := New[uint64]()
	m.Insert(Range(0x1000, 0x1000), 1)
	m.Insert(Range(0x4000, 0x2000), 2)

	for _, tc := range []struct {
		addr uint64
		want uint64
		ok   bool
	}{
		{0xfff, 0, false},
		{0x1000, 1, true},
		{0x1fff, 1, true},
		{0x2000, 0, false},
		{0x5fff, 2, true},
		{0x6000, 0, false},
	} {
		_, v, ok := m.LookupPoint(tc.addr)
		if ok != tc.ok || v != tc.want {
			t.Errorf("LookupPoint(0x%x): got %d,%v want %d,%v", tc.addr, v, ok, tc.want, tc.ok)
		}
	}

	iv, _, ok := m.Lookup(Interval{0x1800, 0x4800})
	if !ok || !iv.Intersects(Interval{0x1800, 0x4800}) {
		t.Errorf("Lookup wide: got %v %v", iv, ok)
	}
}

func TestTopOfAddressSpace(t *testing.T) {
	m := New[uint64]()
	top := Interval{Start: math.MaxUint64 - 0xfff, Last: math.MaxUint64}
	if got := Range(math.MaxUint64-0xfff, 0x2000); got != top {
		t.Errorf("Range clamps: got %v want %v", got, top)
	}
	if err := m.Insert(top, 1); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := m.LookupPoint(math.MaxUint64); !ok {
		t.Errorf("lookup of last byte failed")
	}
	if err := m.RemoveRange(Interval{Start: 0, Last: math.MaxUint64}, nil, nil); err != nil {
		t.Errorf("RemoveRange: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("map not empty: %v", contents(m))
	}
}

func TestRemoveRangeStrict(t *testing.T) {
	for _, tc := range []struct {
		name    string
		query   Interval
		want    []piece
		removed []piece
		err     bool
	}{
		{
			name:    "exact",
			query:   Range(0x1000, 0x1000),
			want:    []piece{{0x4000, 0x5fff, 0x14000}, {0x8000, 0x8fff, 0x18000}},
			removed: []piece{{0x1000, 0x1fff, 0x11000}},
		},
		{
			name:    "covering several",
			query:   Interval{0x0, 0x6fff},
			want:    []piece{{0x8000, 0x8fff, 0x18000}},
			removed: []piece{{0x1000, 0x1fff, 0x11000}, {0x4000, 0x5fff, 0x14000}},
		},
		{
			name:  "interior",
			query: Range(0x4800, 0x800),
			want: []piece{
				{0x1000, 0x1fff, 0x11000},
				{0x4000, 0x5fff, 0x14000},
				{0x8000, 0x8fff, 0x18000},
			},
			err: true,
		},
		{
			name:  "left aligned partial",
			query: Range(0x4000, 0x1000),
			want: []piece{
				{0x1000, 0x1fff, 0x11000},
				{0x4000, 0x5fff, 0x14000},
				{0x8000, 0x8fff, 0x18000},
			},
			err: true,
		},
		{
			name:    "stops at split, keeps earlier removals",
			query:   Interval{0x1000, 0x4fff},
			want:    []piece{{0x4000, 0x5fff, 0x14000}, {0x8000, 0x8fff, 0x18000}},
			removed: []piece{{0x1000, 0x1fff, 0x11000}},
			err:     true,
		},
		{
			name:  "hole",
			query: Range(0x2000, 0x2000),
			want: []piece{
				{0x1000, 0x1fff, 0x11000},
				{0x4000, 0x5fff, 0x14000},
				{0x8000, 0x8fff, 0x18000},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New[uint64]()
			m.Insert(Range(0x1000, 0x1000), 0x11000)
			m.Insert(Range(0x4000, 0x2000), 0x14000)
			m.Insert(Range(0x8000, 0x1000), 0x18000)

			var removed []piece
			err := m.RemoveRange(tc.query, nil, func(iv Interval, v uint64) {
				removed = append(removed, piece{iv.Start, iv.Last, v})
			})
			var re *RangeError
			if got := errors.As(err, &re); got != tc.err {
				t.Fatalf("RemoveRange: got err %v, want error %v", err, tc.err)
			}
			if diff := pretty.Compare(contents(m), tc.want); diff != "" {
				t.Errorf("contents (-got +want):\n%s", diff)
			}
			if diff := pretty.Compare(removed, tc.removed); diff != "" {
				t.Errorf("removed (-got +want):\n%s", diff)
			}
		})
	}
}

func TestRemoveRangeSplit(t *testing.T) {
	m := New[uint64]()
	m.Insert(Range(0x1000, 0x4000), 0x10000)
	m.Insert(Range(0x8000, 0x2000), 0x20000)

	var removed []piece
	cb := func(iv Interval, v uint64) {
		removed = append(removed, piece{iv.Start, iv.Last, v})
	}
	if err := m.RemoveRange(Range(0x2000, 0x1000), offsetSplit, cb); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	if err := m.RemoveRange(Interval{0x4800, 0x8fff}, offsetSplit, cb); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	want := []piece{
		{0x1000, 0x1fff, 0x10000},
		{0x3000, 0x47ff, 0x12000},
		{0x9000, 0x9fff, 0x21000},
	}
	if diff := pretty.Compare(contents(m), want); diff != "" {
		t.Errorf("contents (-got +want):\n%s", diff)
	}
	wantRemoved := []piece{
		{0x2000, 0x2fff, 0x11000},
		{0x4800, 0x4fff, 0x13800},
		{0x8000, 0x8fff, 0x20000},
	}
	if diff := pretty.Compare(removed, wantRemoved); diff != "" {
		t.Errorf("removed (-got +want):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	m := New[uint64]()
	m.Insert(Range(0x1000, 0x1000), 1)
	if m.Delete(Range(0x1000, 0x800)) {
		t.Errorf("Delete of a non-matching interval succeeded")
	}
	if !m.Delete(Range(0x1000, 0x1000)) {
		t.Errorf("Delete failed")
	}
	if m.Len() != 0 {
		t.Errorf("Len: %d", m.Len())
	}
}

func TestAscendRange(t *testing.T) {
	m := New[uint64]()
	for i := uint64(0); i < 8; i++ {
		m.Insert(Range(i*0x1000, 0x800), i)
	}
	var got []uint64
	m.AscendRange(Interval{0x2700, 0x4100}, func(_ Interval, v uint64) bool {
		got = append(got, v)
		return true
	})
	if diff := pretty.Compare(got, []uint64{2, 3, 4}); diff != "" {
		t.Errorf("AscendRange (-got +want):\n%s", diff)
	}
}

// TestRandomNoOverlap runs random inserts and removals against a
// byte-granular model and checks the map never holds intersecting
// intervals.
func TestRandomNoOverlap(t *testing.T) {
	const space = 256
	rnd := rand.New(rand.NewSource(1))
	for _, split := range []Splitter[uint64]{nil, offsetSplit} {
		m := New[uint64]()
		var model [space]bool
		for i := 0; i < 5000; i++ {
			start := uint64(rnd.Intn(space))
			size := uint64(rnd.Intn(16) + 1)
			if start+size > space {
				size = space - start
			}
			iv := Range(start, size)
			if rnd.Intn(2) == 0 {
				free := true
				for a := iv.Start; a <= iv.Last; a++ {
					free = free && !model[a]
				}
				err := m.Insert(iv, start)
				if free != (err == nil) {
					t.Fatalf("Insert(%v): free=%v err=%v", iv, free, err)
				}
				if err == nil {
					for a := iv.Start; a <= iv.Last; a++ {
						model[a] = true
					}
				}
			} else {
				m.RemoveRange(iv, split, func(r Interval, _ uint64) {
					for a := r.Start; a <= r.Last; a++ {
						model[a] = false
					}
				})
			}

			var prev *Interval
			m.Ascend(func(cur Interval, _ uint64) bool {
				if prev != nil && prev.Last >= cur.Start {
					t.Fatalf("overlap: %v %v", *prev, cur)
				}
				c := cur
				prev = &c
				return true
			})
			for a := uint64(0); a < space; a++ {
				_, _, ok := m.LookupPoint(a)
				if ok != model[a] {
					t.Fatalf("step %d: address %d mapped=%v, model %v", i, a, ok, model[a])
				}
			}
		}
	}
}
