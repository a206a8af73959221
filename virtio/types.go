// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

// include/standard-headers/linux/virtio_config.h
const (
	F_NOTIFY_ON_EMPTY = 24
	F_ANY_LAYOUT      = 27

	// include/standard-headers/linux/virtio_ring.h
	RING_F_INDIRECT_DESC = 28
	RING_F_EVENT_IDX     = 29

	F_VERSION_1       = 32
	F_ACCESS_PLATFORM = 33
	F_RING_PACKED     = 34
	F_IN_ORDER        = 35
)

// include/standard-headers/linux/virtio_iommu.h
const (
	IOMMU_F_INPUT_RANGE  = 0
	IOMMU_F_DOMAIN_RANGE = 1
	IOMMU_F_MAP_UNMAP    = 2
	IOMMU_F_BYPASS       = 3
	IOMMU_F_PROBE        = 4
	IOMMU_F_MMIO         = 5
)

var featureNames = map[int]string{
	IOMMU_F_INPUT_RANGE:  "IOMMU_F_INPUT_RANGE",
	IOMMU_F_DOMAIN_RANGE: "IOMMU_F_DOMAIN_RANGE",
	IOMMU_F_MAP_UNMAP:    "IOMMU_F_MAP_UNMAP",
	IOMMU_F_BYPASS:       "IOMMU_F_BYPASS",
	IOMMU_F_PROBE:        "IOMMU_F_PROBE",
	IOMMU_F_MMIO:         "IOMMU_F_MMIO",
	F_NOTIFY_ON_EMPTY:    "NOTIFY_ON_EMPTY",
	F_ANY_LAYOUT:         "ANY_LAYOUT",
	RING_F_INDIRECT_DESC: "RING_F_INDIRECT_DESC",
	RING_F_EVENT_IDX:     "RING_F_EVENT_IDX",
	F_VERSION_1:          "VERSION_1",
	F_ACCESS_PLATFORM:    "ACCESS_PLATFORM",
	F_RING_PACKED:        "RING_PACKED",
	F_IN_ORDER:           "IN_ORDER",
}

func maskToString(names map[int]string, mask uint64) string {
	var f []string
	for j := 0; j < 64; j++ {
		m := uint64(0x1) << j
		if mask&m != 0 {
			nm := names[j]
			if nm == "" {
				nm = strconv.Itoa(j)
			}
			f = append(f, nm)
		}
	}
	return strings.Join(f, ",")
}

// FeaturesString formats a feature mask.
func FeaturesString(mask uint64) string {
	return maskToString(featureNames, mask)
}

func composeMask(fs []int) uint64 {
	var mask uint64
	for _, f := range fs {
		mask |= (uint64(0x1) << f)
	}
	return mask
}

// Queue indices of the virtio-iommu device.
const (
	RequestQueue = 0
	EventQueue   = 1
)

// IOMMUConfig is the device config space, struct virtio_iommu_config.
type IOMMUConfig struct {
	PageSizeMask     uint64
	InputRangeStart  uint64
	InputRangeEnd    uint64
	DomainRangeStart uint32
	DomainRangeEnd   uint32
	ProbeSize        uint32
	Bypass           uint8
	Reserved         [3]uint8
}

func (c *IOMMUConfig) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), unsafe.Sizeof(*c))
}

func (c *IOMMUConfig) String() string {
	return fmt.Sprintf("pgsize 0x%x input [0x%x,0x%x] domain [%d,%d] probe %d bypass %d",
		c.PageSizeMask, c.InputRangeStart, c.InputRangeEnd,
		c.DomainRangeStart, c.DomainRangeEnd, c.ProbeSize, c.Bypass)
}

// Fault event reasons and flags, struct virtio_iommu_fault.
const (
	FAULT_R_UNKNOWN = 0
	FAULT_R_DOMAIN  = 1
	FAULT_R_MAPPING = 2

	FAULT_F_READ    = 1
	FAULT_F_WRITE   = 2
	FAULT_F_EXEC    = 4
	FAULT_F_ADDRESS = 0x100
)

// FaultRecord is written into event queue buffers.
type FaultRecord struct {
	Reason    uint8
	Reserved  [3]uint8
	Flags     uint32
	Endpoint  uint32
	Reserved1 uint32
	Address   uint64
}

func (r *FaultRecord) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), unsafe.Sizeof(*r))
}

func (r *FaultRecord) String() string {
	return fmt.Sprintf("reason %d flags 0x%x endpoint %d address 0x%x",
		r.Reason, r.Flags, r.Endpoint, r.Address)
}

// virtio_ring.h

// must be aligned on 4 bytes, but that's automatic?
type VringUsedElement struct {
	ID  uint32
	Len uint32
}

func (ue *VringUsedElement) String() string {
	return fmt.Sprintf("{id: %d len: %d}", ue.ID, ue.Len)
}

// aligned 4 bytes
type VringUsed struct {
	Flags uint16
	Idx   uint16
	Ring0 VringUsedElement
}

// qemu:include/standard-headers/linux/virtio_ring.h
const (
	/* This marks a buffer as continuing via the next field. */
	VRING_DESC_F_NEXT = 1
	/* This marks a buffer as write-only (otherwise read-only). */
	VRING_DESC_F_WRITE = 2
	/* This means the buffer contains a list of buffer descriptors. */
	VRING_DESC_F_INDIRECT = 4
)

var vringDescNames = map[int]string{
	0: "NEXT",
	1: "WRITE",
	2: "INDIRECT",
}

// Aligned 16 byte

type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d VringDesc) String() string {
	return fmt.Sprintf("[0x%x,+0x%x) %s next %d", d.Addr, d.Len, maskToString(vringDescNames, uint64(d.Flags)), d.Next)
}

// aligned on 2 bytes

type VringAvail struct {
	Flags uint16
	Idx   uint16
	Ring0 uint16
}

// VringAddr holds the guest physical addresses of the ring parts.
type VringAddr struct {
	Desc  uint64
	Avail uint64
	Used  uint64
}

func (a *VringAddr) String() string {
	return fmt.Sprintf("Desc %x Used %x Avail %x", a.Desc, a.Used, a.Avail)
}

// RingSize returns the number of bytes of the descriptor table, the
// available ring and the used ring of a queue with num entries,
// including the event index fields.
func RingSize(num int) (desc, avail, used int) {
	return num * int(unsafe.Sizeof(VringDesc{})),
		4 + 2*num + 2,
		4 + num*int(unsafe.Sizeof(VringUsedElement{})) + 2
}
