// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"github.com/go-viommu/viommu/virtio"
)

// protocol features vhost-user.h
const (
	PROTOCOL_F_MQ                  = 0
	PROTOCOL_F_LOG_SHMFD           = 1
	PROTOCOL_F_REPLY_ACK           = 3
	PROTOCOL_F_BACKEND_REQ         = 5
	PROTOCOL_F_CONFIG              = 9
	PROTOCOL_F_BACKEND_SEND_FD     = 10
	PROTOCOL_F_INFLIGHT_SHMFD      = 12
	PROTOCOL_F_RESET_DEVICE        = 13
	PROTOCOL_F_CONFIGURE_MEM_SLOTS = 15
	PROTOCOL_F_STATUS              = 16
)

var protocolFeatureNames = map[int]string{
	PROTOCOL_F_MQ:                  "MQ",
	PROTOCOL_F_LOG_SHMFD:           "LOG_SHMFD",
	PROTOCOL_F_REPLY_ACK:           "REPLY_ACK",
	PROTOCOL_F_BACKEND_REQ:         "BACKEND_REQ",
	PROTOCOL_F_CONFIG:              "CONFIG",
	PROTOCOL_F_BACKEND_SEND_FD:     "BACKEND_SEND_FD",
	PROTOCOL_F_INFLIGHT_SHMFD:      "INFLIGHT_SHMFD",
	PROTOCOL_F_RESET_DEVICE:        "RESET_DEVICE",
	PROTOCOL_F_CONFIGURE_MEM_SLOTS: "CONFIGURE_MEM_SLOTS",
	PROTOCOL_F_STATUS:              "STATUS",
}

// F_PROTOCOL_FEATURES is the vhost-user feature bit that enables the
// protocol feature negotiation. It is not a device feature.
const F_PROTOCOL_FEATURES = 30

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

func composeMask(fs []int) uint64 {
	var mask uint64
	for _, f := range fs {
		mask |= 1 << f
	}
	return mask
}

// VhostUserRequest
const (
	REQ_NONE                  = 0
	REQ_GET_FEATURES          = 1
	REQ_SET_FEATURES          = 2
	REQ_SET_OWNER             = 3
	REQ_RESET_OWNER           = 4
	REQ_SET_MEM_TABLE         = 5
	REQ_SET_LOG_BASE          = 6
	REQ_SET_LOG_FD            = 7
	REQ_SET_VRING_NUM         = 8
	REQ_SET_VRING_ADDR        = 9
	REQ_SET_VRING_BASE        = 10
	REQ_GET_VRING_BASE        = 11
	REQ_SET_VRING_KICK        = 12
	REQ_SET_VRING_CALL        = 13
	REQ_SET_VRING_ERR         = 14
	REQ_GET_PROTOCOL_FEATURES = 15
	REQ_SET_PROTOCOL_FEATURES = 16
	REQ_GET_QUEUE_NUM         = 17
	REQ_SET_VRING_ENABLE      = 18
	REQ_SET_BACKEND_REQ_FD    = 21
	REQ_GET_CONFIG            = 24
	REQ_SET_CONFIG            = 25
	REQ_RESET_DEVICE          = 34
	REQ_GET_MAX_MEM_SLOTS     = 36
	REQ_ADD_MEM_REG           = 37
	REQ_REM_MEM_REG           = 38
)

var reqNames = map[uint32]string{
	REQ_NONE:                  "NONE",
	REQ_GET_FEATURES:          "GET_FEATURES",
	REQ_SET_FEATURES:          "SET_FEATURES",
	REQ_SET_OWNER:             "SET_OWNER",
	REQ_RESET_OWNER:           "RESET_OWNER",
	REQ_SET_MEM_TABLE:         "SET_MEM_TABLE",
	REQ_SET_LOG_BASE:          "SET_LOG_BASE",
	REQ_SET_LOG_FD:            "SET_LOG_FD",
	REQ_SET_VRING_NUM:         "SET_VRING_NUM",
	REQ_SET_VRING_ADDR:        "SET_VRING_ADDR",
	REQ_SET_VRING_BASE:        "SET_VRING_BASE",
	REQ_GET_VRING_BASE:        "GET_VRING_BASE",
	REQ_SET_VRING_KICK:        "SET_VRING_KICK",
	REQ_SET_VRING_CALL:        "SET_VRING_CALL",
	REQ_SET_VRING_ERR:         "SET_VRING_ERR",
	REQ_GET_PROTOCOL_FEATURES: "GET_PROTOCOL_FEATURES",
	REQ_SET_PROTOCOL_FEATURES: "SET_PROTOCOL_FEATURES",
	REQ_GET_QUEUE_NUM:         "GET_QUEUE_NUM",
	REQ_SET_VRING_ENABLE:      "SET_VRING_ENABLE",
	REQ_SET_BACKEND_REQ_FD:    "SET_BACKEND_REQ_FD",
	REQ_GET_CONFIG:            "GET_CONFIG",
	REQ_SET_CONFIG:            "SET_CONFIG",
	REQ_RESET_DEVICE:          "RESET_DEVICE",
	REQ_GET_MAX_MEM_SLOTS:     "GET_MAX_MEM_SLOTS",
	REQ_ADD_MEM_REG:           "ADD_MEM_REG",
	REQ_REM_MEM_REG:           "REM_MEM_REG",
}

func reqName(r uint32) string {
	if n, ok := reqNames[r]; ok {
		return n
	}
	return fmt.Sprintf("REQ%d", r)
}

const (
	MAX_MEM_SLOTS   = 509
	MAX_CONFIG_SIZE = 256
)

// Header flags.
const (
	VERSION    = 0x1
	USER_REPLY = 0x1 << 2
	NEED_REPLY = 0x1 << 3
)

type Header struct {
	Request uint32
	Flags   uint32
	// the following payload size
	Size uint32
}

const hdrSize = int(unsafe.Sizeof(Header{}))

type U64Payload struct {
	Num uint64
}

func (p *U64Payload) String() string {
	return fmt.Sprintf("{%d}", p.Num)
}

type FeaturesPayload struct {
	Mask uint64
}

func (r *FeaturesPayload) String() string {
	return fmt.Sprintf("{%s}", virtio.FeaturesString(r.Mask))
}

type ProtocolFeaturesPayload struct {
	Mask uint64
}

func (r *ProtocolFeaturesPayload) String() string {
	return fmt.Sprintf("{%s}", maskToString(protocolFeatureNames, r.Mask))
}

type VhostVringState struct {
	Index uint32
	Num   uint32
}

func (s *VhostVringState) String() string {
	return fmt.Sprintf("idx %d num %d", s.Index, s.Num)
}

type VhostVringAddr struct {
	Index uint32
	Flags uint32

	// Front-end addresses of the ring parts.
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

func (a *VhostVringAddr) String() string {
	return fmt.Sprintf("idx %d flags %x Desc %x Used %x Avail %x LogGuest %x",
		a.Index, a.Flags, a.DescUserAddr, a.UsedUserAddr,
		a.AvailUserAddr, a.LogGuestAddr)
}

type VhostUserMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	DriverAddr    uint64
	MmapOffset    uint64
}

func (r *VhostUserMemoryRegion) String() string {
	return fmt.Sprintf("Guest [0x%x,+0x%x) Driver %x MmapOff %x",
		r.GuestPhysAddr, r.MemorySize, r.DriverAddr, r.MmapOffset)
}

type VhostUserMemRegMsg struct {
	Padding uint64
	Region  VhostUserMemoryRegion
}

func (m *VhostUserMemRegMsg) String() string {
	return m.Region.String()
}

// configHeaderSize is the size of VhostUserConfig without Region.
const configHeaderSize = 12

type VhostUserConfig struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region [MAX_CONFIG_SIZE]uint8
}

func (c *VhostUserConfig) String() string {
	n := c.Size
	if n > MAX_CONFIG_SIZE {
		n = MAX_CONFIG_SIZE
	}
	return fmt.Sprintf("[0x%x,+0x%x) flags %x %x", c.Offset, c.Size, c.Flags, c.Region[:n])
}

var decodeIn = map[uint32]func(unsafe.Pointer) interface{}{
	REQ_ADD_MEM_REG:           func(p unsafe.Pointer) interface{} { return (*VhostUserMemRegMsg)(p) },
	REQ_REM_MEM_REG:           func(p unsafe.Pointer) interface{} { return (*VhostUserMemRegMsg)(p) },
	REQ_SET_FEATURES:          func(p unsafe.Pointer) interface{} { return (*FeaturesPayload)(p) },
	REQ_SET_PROTOCOL_FEATURES: func(p unsafe.Pointer) interface{} { return (*ProtocolFeaturesPayload)(p) },
	REQ_SET_VRING_ADDR:        func(p unsafe.Pointer) interface{} { return (*VhostVringAddr)(p) },
	REQ_SET_VRING_BASE:        func(p unsafe.Pointer) interface{} { return (*VhostVringState)(p) },
	REQ_GET_VRING_BASE:        func(p unsafe.Pointer) interface{} { return (*VhostVringState)(p) },
	REQ_SET_VRING_CALL:        func(p unsafe.Pointer) interface{} { return (*U64Payload)(p) },
	REQ_SET_VRING_ENABLE:      func(p unsafe.Pointer) interface{} { return (*VhostVringState)(p) },
	REQ_SET_VRING_ERR:         func(p unsafe.Pointer) interface{} { return (*U64Payload)(p) },
	REQ_SET_VRING_KICK:        func(p unsafe.Pointer) interface{} { return (*U64Payload)(p) },
	REQ_SET_VRING_NUM:         func(p unsafe.Pointer) interface{} { return (*VhostVringState)(p) },
	REQ_GET_CONFIG:            func(p unsafe.Pointer) interface{} { return (*VhostUserConfig)(p) },
}

var inFDCount = map[uint32]int{
	REQ_SET_BACKEND_REQ_FD: 1,
	REQ_SET_VRING_CALL:     1,
	REQ_SET_VRING_ERR:      1,
	REQ_ADD_MEM_REG:        1,
	REQ_SET_VRING_KICK:     1,
}
