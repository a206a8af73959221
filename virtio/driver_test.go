// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"testing"
	"unsafe"

	"github.com/go-viommu/viommu/internal/testutil"
	"github.com/go-viommu/viommu/iommu"
)

const (
	testQueueSize = 16
	testMemSize   = 1 << 20
	testBufBase   = 0x40000
)

// testDriver plays the guest side of the queues.
type testDriver struct {
	t   *testing.T
	mem *Memory

	addr      [2]VringAddr
	desc      [2][]VringDesc
	avail     [2]*VringAvail
	availRing [2][]uint16
	usedEvent [2]*uint16
	used      [2]*VringUsed
	usedRing  [2][]VringUsedElement

	nextDesc [2]uint16
	lastUsed [2]uint16
	bufTop   uint64
}

func newTestDriver(t *testing.T) *testDriver {
	mem := NewMemory()
	if err := mem.AddAnonymous(0, testMemSize); err != nil {
		t.Fatalf("AddAnonymous: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	d := &testDriver{t: t, mem: mem, bufTop: testBufBase}
	for q := 0; q < 2; q++ {
		base := uint64(q) * 0x10000
		d.addr[q] = VringAddr{Desc: base, Avail: base + 0x1000, Used: base + 0x2000}
		descSize, availSize, usedSize := RingSize(testQueueSize)

		p, err := mem.pointer(d.addr[q].Desc, descSize)
		if err != nil {
			t.Fatal(err)
		}
		d.desc[q] = unsafe.Slice((*VringDesc)(p), testQueueSize)
		if p, err = mem.pointer(d.addr[q].Avail, availSize); err != nil {
			t.Fatal(err)
		}
		d.avail[q] = (*VringAvail)(p)
		d.availRing[q] = unsafe.Slice(&d.avail[q].Ring0, testQueueSize)
		d.usedEvent[q] = &unsafe.Slice(&d.avail[q].Ring0, testQueueSize+1)[testQueueSize]
		if p, err = mem.pointer(d.addr[q].Used, usedSize); err != nil {
			t.Fatal(err)
		}
		d.used[q] = (*VringUsed)(p)
		d.usedRing[q] = unsafe.Slice(&d.used[q].Ring0, testQueueSize)
	}
	return d
}

func (d *testDriver) alloc(size int) uint64 {
	a := d.bufTop
	d.bufTop += uint64(size+15) &^ 15
	if d.bufTop > testMemSize {
		d.t.Fatal("test driver out of memory")
	}
	return a
}

// submit adds a chain of readable buffers holding in, followed by
// writable buffers of the given sizes. It returns the guest addresses
// of the writable buffers.
func (d *testDriver) submit(q int, in [][]byte, outSizes ...int) []uint64 {
	d.t.Helper()
	type piece struct {
		addr  uint64
		len   int
		flags uint16
	}
	var pieces []piece
	for _, b := range in {
		a := d.alloc(len(b))
		if _, err := d.mem.WriteAt(b, int64(a)); err != nil {
			d.t.Fatal(err)
		}
		pieces = append(pieces, piece{a, len(b), 0})
	}
	var outs []uint64
	for _, sz := range outSizes {
		a := d.alloc(sz)
		outs = append(outs, a)
		pieces = append(pieces, piece{a, sz, VRING_DESC_F_WRITE})
	}

	head := d.nextDesc[q]
	for i, p := range pieces {
		idx := (head + uint16(i)) % testQueueSize
		desc := VringDesc{Addr: p.addr, Len: uint32(p.len), Flags: p.flags}
		if i < len(pieces)-1 {
			desc.Flags |= VRING_DESC_F_NEXT
			desc.Next = (idx + 1) % testQueueSize
		}
		d.desc[q][idx] = desc
	}
	d.nextDesc[q] = (head + uint16(len(pieces))) % testQueueSize

	av := d.avail[q]
	d.availRing[q][av.Idx%testQueueSize] = head
	// Ask for a call once this chain is used.
	*d.usedEvent[q] = av.Idx
	av.Idx++
	return outs
}

// takeUsed returns the used elements added since the last call.
func (d *testDriver) takeUsed(q int) []VringUsedElement {
	var r []VringUsedElement
	for d.lastUsed[q] != d.used[q].Idx {
		r = append(r, d.usedRing[q][d.lastUsed[q]%testQueueSize])
		d.lastUsed[q]++
	}
	return r
}

func (d *testDriver) read(addr uint64, n int) []byte {
	d.t.Helper()
	b := make([]byte, n)
	if _, err := d.mem.ReadAt(b, int64(addr)); err != nil {
		d.t.Fatal(err)
	}
	return b
}

func newTestDevice(t *testing.T, cfg iommu.Config) (*Device, *testDriver, *iommu.Engine) {
	t.Helper()
	l, _ := testutil.NewLogger(t)
	e, err := iommu.New(cfg, &iommu.Options{Logger: l, Debug: testutil.VerboseTest()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)

	drv := newTestDriver(t)
	dev, err := NewDevice(e, drv.mem, &DeviceOptions{Logger: l, Debug: testutil.VerboseTest()})
	if err != nil {
		t.Fatal(err)
	}
	for q := 0; q < 2; q++ {
		if err := dev.SetupQueue(q, testQueueSize, drv.addr[q]); err != nil {
			t.Fatalf("SetupQueue(%d): %v", q, err)
		}
	}
	return dev, drv, e
}
