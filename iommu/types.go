// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-viommu/viommu/intervalmap"
)

// DeviceID identifies an endpoint. For PCI devices it is the
// requester ID, bus<<8 | devfn.
type DeviceID uint32

// PCIDevice builds the DeviceID for a PCI bus number and devfn.
func PCIDevice(bus, devfn uint8) DeviceID {
	return DeviceID(bus)<<8 | DeviceID(devfn)
}

func (id DeviceID) String() string {
	if id > 0xffff {
		return fmt.Sprintf("ep%d", uint32(id))
	}
	return fmt.Sprintf("%02x:%02x.%x", uint8(id>>8), uint8(id)>>3, uint8(id)&7)
}

// DomainID is chosen by the guest.
type DomainID uint32

// MapFlags are the permissions of a mapping.
type MapFlags uint32

const (
	MapRead  MapFlags = 1 << 0
	MapWrite MapFlags = 1 << 1
	MapMMIO  MapFlags = 1 << 2

	MapRW = MapRead | MapWrite
)

var mapFlagNames = map[int]string{
	0: "READ",
	1: "WRITE",
	2: "MMIO",
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
	if len(f) == 0 {
		return "NONE"
	}
	return strings.Join(f, ",")
}

func (f MapFlags) String() string {
	return maskToString(mapFlagNames, uint64(f))
}

// ParseMapFlags accepts letters from "rwm", e.g. "rw".
func ParseMapFlags(s string) (MapFlags, error) {
	var f MapFlags
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			f |= MapRead
		case 'w':
			f |= MapWrite
		case 'm':
			f |= MapMMIO
		case '-':
		default:
			return 0, errors.Errorf("unknown map flag %q in %q", c, s)
		}
	}
	return f, nil
}

// Allows reports whether an access of mode a is permitted.
func (f MapFlags) Allows(a Access) bool {
	if a&AccessRead != 0 && f&MapRead == 0 {
		return false
	}
	if a&AccessWrite != 0 && f&MapWrite == 0 {
		return false
	}
	return true
}

// Perm is the access mode a mapping grants.
func (f MapFlags) Perm() Access {
	var a Access
	if f&MapRead != 0 {
		a |= AccessRead
	}
	if f&MapWrite != 0 {
		a |= AccessWrite
	}
	return a
}

// Access is the mode of a DMA access, and the permission of a
// translation.
type Access uint8

const (
	AccessNone  Access = 0
	AccessRead  Access = 1
	AccessWrite Access = 2
	AccessRW           = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessRW:
		return "rw"
	}
	return fmt.Sprintf("Access(%d)", uint8(a))
}

func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return AccessNone, nil
	case "read", "r":
		return AccessRead, nil
	case "write", "w":
		return AccessWrite, nil
	case "rw":
		return AccessRW, nil
	}
	return 0, errors.Errorf("unknown access mode %q", s)
}

// Mapping is one IOVA to physical translation of a domain.
type Mapping struct {
	Virt  intervalmap.Interval
	Phys  uint64
	Flags MapFlags
}

func (m Mapping) String() string {
	return fmt.Sprintf("%v -> 0x%x %v", m.Virt, m.Phys, m.Flags)
}

// mapping is the value stored in a domain's interval map.
type mapping struct {
	phys  uint64
	flags MapFlags
}

func splitMapping(m mapping, orig, part intervalmap.Interval) mapping {
	m.phys += part.Start - orig.Start
	return m
}

// ResvSubtype classifies reserved regions in probe replies.
type ResvSubtype uint8

const (
	// ResvReserved regions must not be mapped.
	ResvReserved ResvSubtype = 0
	// ResvMSI regions are doorbells translated by the platform.
	ResvMSI ResvSubtype = 1
)

func (s ResvSubtype) String() string {
	switch s {
	case ResvReserved:
		return "reserved"
	case ResvMSI:
		return "msi"
	}
	return fmt.Sprintf("ResvSubtype(%d)", uint8(s))
}

func ParseResvSubtype(s string) (ResvSubtype, error) {
	switch strings.ToLower(s) {
	case "reserved", "":
		return ResvReserved, nil
	case "msi":
		return ResvMSI, nil
	}
	return 0, errors.Errorf("unknown reserved region type %q", s)
}

// ReservedRegion is an address range a device advertises through
// probe. Start and End are inclusive.
type ReservedRegion struct {
	Start   uint64
	End     uint64
	Subtype ResvSubtype
}

func (r ReservedRegion) String() string {
	return fmt.Sprintf("%v [0x%x,0x%x]", r.Subtype, r.Start, r.End)
}

// TLBEntry is the result of a translation. Perm is AccessNone when the
// access was refused.
type TLBEntry struct {
	IOVA           uint64
	TranslatedAddr uint64
	AddrMask       uint64

	// Last is the last IOVA translated by this entry. Addresses up to
	// Last map linearly from TranslatedAddr; beyond it a new
	// translation is needed.
	Last uint64

	Perm Access
}

func (e TLBEntry) String() string {
	return fmt.Sprintf("0x%x -> 0x%x mask 0x%x last 0x%x %v", e.IOVA, e.TranslatedAddr, e.AddrMask, e.Last, e.Perm)
}
