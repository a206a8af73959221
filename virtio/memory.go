// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const _HUGETLBFS_MAGIC = 0x958458f6

func getFDHugepagesize(fd int) int {
	var fs unix.Statfs_t
	var err error
	for {
		err = unix.Fstatfs(fd, &fs)
		if err != unix.EINTR {
			break
		}
	}

	if err == nil && fs.Type == _HUGETLBFS_MAGIC {
		return int(fs.Bsize)
	}
	return 0
}

// HugetlbfsMounts lists the mount points of hugetlbfs file systems.
func HugetlbfsMounts() ([]string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("hugetlbfs"))
	if err != nil {
		return nil, errors.Wrap(err, "mountinfo")
	}
	var r []string
	for _, m := range mounts {
		r = append(r, m.Mountpoint)
	}
	return r, nil
}

// Region is a slab of guest RAM mapped into this process.
type Region struct {
	GuestPhysAddr uint64
	MemorySize    uint64

	// DriverAddr is where the front-end (VMM) mapped the region in
	// its own address space. Vhost-user ring addresses use it.
	DriverAddr uint64

	// PageSize is the huge page size backing the region, or 0.
	PageSize int

	Data []byte
}

func (r *Region) String() string {
	s := fmt.Sprintf("Guest [0x%x,+0x%x)", r.GuestPhysAddr, r.MemorySize)
	if r.DriverAddr != 0 {
		s += fmt.Sprintf(" driver 0x%x", r.DriverAddr)
	}
	if r.PageSize != 0 {
		s += fmt.Sprintf(" hugepage %d", r.PageSize)
	}
	return s
}

func (r *Region) containsGuestAddr(guestAddr uint64) bool {
	return guestAddr >= r.GuestPhysAddr && guestAddr < r.GuestPhysAddr+r.MemorySize
}

// Memory is the guest physical memory as seen by the device. Regions
// must not change while queues are processed.
type Memory struct {
	// sorted by GuestPhysAddr
	regions []*Region
}

func NewMemory() *Memory {
	return &Memory{}
}

// AddAnonymous adds size bytes of private memory at guest address gpa.
func (m *Memory) AddAnonymous(gpa, size uint64) error {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrapf(err, "mmap %d bytes", size)
	}
	return m.add(&Region{GuestPhysAddr: gpa, MemorySize: size, Data: data})
}

// AddFile maps size bytes of fd, starting at offset, at guest address
// gpa. The file may live on hugetlbfs, in which case offset and size
// must be multiples of the huge page size.
func (m *Memory) AddFile(fd int, offset int64, gpa, size uint64) error {
	return m.AddDriverFile(fd, offset, gpa, size, 0)
}

// AddDriverFile is AddFile for a region the front-end has mapped at
// driverAddr.
func (m *Memory) AddDriverFile(fd int, offset int64, gpa, size, driverAddr uint64) error {
	hps := getFDHugepagesize(fd)
	if hps != 0 && (uint64(offset)%uint64(hps) != 0 || size%uint64(hps) != 0) {
		return errors.Errorf("region [0x%x,+0x%x) not aligned to huge page size %d", offset, size, hps)
	}
	data, err := unix.Mmap(fd, offset, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrapf(err, "mmap fd %d", fd)
	}
	unix.Madvise(data, unix.MADV_DONTDUMP)
	return m.add(&Region{GuestPhysAddr: gpa, MemorySize: size, DriverAddr: driverAddr, PageSize: hps, Data: data})
}

func (m *Memory) add(r *Region) error {
	idx := m.findRegionByGuestAddr(r.GuestPhysAddr)
	if idx < len(m.regions) && m.regions[idx].GuestPhysAddr < r.GuestPhysAddr+r.MemorySize {
		unix.Munmap(r.Data)
		return errors.Errorf("region %v overlaps %v", r, m.regions[idx])
	}
	m.regions = append(m.regions, nil)
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return nil
}

func (m *Memory) findRegionByGuestAddr(guestAddr uint64) int {
	return sort.Search(len(m.regions),
		func(i int) bool {
			return guestAddr < m.regions[i].GuestPhysAddr+m.regions[i].MemorySize
		})
}

// Remove unmaps the region starting at gpa.
func (m *Memory) Remove(gpa uint64) error {
	idx := m.findRegionByGuestAddr(gpa)
	if idx == len(m.regions) || m.regions[idx].GuestPhysAddr != gpa {
		return errors.Errorf("no region at 0x%x", gpa)
	}
	r := m.regions[idx]
	m.regions = append(m.regions[:idx], m.regions[idx+1:]...)
	return unix.Munmap(r.Data)
}

// DriverToGuest converts a front-end address into a guest physical
// address.
func (m *Memory) DriverToGuest(driverAddr uint64) (uint64, bool) {
	for _, r := range m.regions {
		if r.DriverAddr == 0 {
			continue
		}
		if driverAddr >= r.DriverAddr && driverAddr-r.DriverAddr < r.MemorySize {
			return driverAddr - r.DriverAddr + r.GuestPhysAddr, true
		}
	}
	return 0, false
}

// Regions returns the mapped regions in address order.
func (m *Memory) Regions() []*Region {
	return m.regions
}

// FromGuestAddr returns the memory at guestAddr, up to sz bytes or the
// end of the region holding it. It returns nil if guestAddr is not
// backed by memory.
func (m *Memory) FromGuestAddr(guestAddr uint64, sz uint64) []byte {
	idx := m.findRegionByGuestAddr(guestAddr)
	if idx == len(m.regions) {
		return nil
	}
	r := m.regions[idx]
	if !r.containsGuestAddr(guestAddr) {
		return nil
	}

	seg := r.Data[guestAddr-r.GuestPhysAddr:]
	if uint64(len(seg)) > sz {
		seg = seg[:sz]
	}
	return seg
}

// pointer returns a pointer to sz contiguous bytes at guestAddr.
func (m *Memory) pointer(guestAddr uint64, sz int) (unsafe.Pointer, error) {
	b := m.FromGuestAddr(guestAddr, uint64(sz))
	if len(b) != sz || sz == 0 {
		return nil, errors.Errorf("guest range [0x%x,+0x%x) not mapped contiguously", guestAddr, sz)
	}
	return unsafe.Pointer(&b[0]), nil
}

// Segments returns the memory backing [guestAddr, guestAddr+sz), split
// at region boundaries.
func (m *Memory) Segments(guestAddr uint64, sz uint64) ([][]byte, error) {
	var result [][]byte
	for sz > 0 {
		d := m.FromGuestAddr(guestAddr, sz)
		if d == nil {
			return nil, errors.Errorf("guest address 0x%x not mapped", guestAddr)
		}
		result = append(result, d)
		sz -= uint64(len(d))
		guestAddr += uint64(len(d))
	}
	return result, nil
}

// ReadAt reads guest physical memory.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	segs, err := m.Segments(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range segs {
		n += copy(p[n:], s)
	}
	return n, nil
}

// WriteAt writes guest physical memory.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	segs, err := m.Segments(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range segs {
		n += copy(s, p[n:])
	}
	return n, nil
}

func (m *Memory) Close() error {
	var first error
	for _, r := range m.regions {
		if err := unix.Munmap(r.Data); err != nil && first == nil {
			first = err
		}
	}
	m.regions = nil
	return first
}
