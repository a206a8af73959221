// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type Ring struct {
	Num            int
	Desc           []VringDesc
	Avail          *VringAvail
	AvailRing      []uint16
	AvailUsedEvent *uint16
	Used           *VringUsed
	UsedRing       []VringUsedElement
	UsedAvailEvent *uint16
}

// Virtq is the device side of a split virtqueue.
type Virtq struct {
	Vring Ring
	Addr  VringAddr

	LastAvailIdx   uint16
	ShadowAvailIdx uint16

	UsedIdx      uint16
	SignaledUsed uint16

	SignaledUsedValid bool

	inuse uint

	CallFD int
	KickFD int
	Ready  bool
}

// VirtqElem is one popped descriptor chain.
type VirtqElem struct {
	// this is the index into Vring.Desc
	index uint

	// read and write from our perspective. We return the total
	// length written to the driver, which can find the memory
	// through the vring index above.
	Write [][]byte
	Read  [][]byte
}

func (vq *Virtq) mapRing(mem *Memory) error {
	num := vq.Vring.Num
	descSize, availSize, usedSize := RingSize(num)
	if d, err := mem.pointer(vq.Addr.Desc, descSize); err != nil {
		return errors.Wrap(err, "desc")
	} else {
		vq.Vring.Desc = unsafe.Slice((*VringDesc)(d), num)
	}
	if d, err := mem.pointer(vq.Addr.Used, usedSize); err != nil {
		return errors.Wrap(err, "used")
	} else {
		vq.Vring.Used = (*VringUsed)(d)
		vq.Vring.UsedRing = unsafe.Slice(&vq.Vring.Used.Ring0, num)
		vq.Vring.UsedAvailEvent = (*uint16)(unsafe.Pointer(&unsafe.Slice(&vq.Vring.Used.Ring0, num+1)[num]))
	}
	if d, err := mem.pointer(vq.Addr.Avail, availSize); err != nil {
		return errors.Wrap(err, "avail")
	} else {
		vq.Vring.Avail = (*VringAvail)(d)
		vq.Vring.AvailRing = unsafe.Slice(&vq.Vring.Avail.Ring0, num)
		vq.Vring.AvailUsedEvent = &unsafe.Slice(&vq.Vring.Avail.Ring0, num+1)[num]
	}
	return nil
}

func (vq *Virtq) availIdx() uint16 {
	vq.ShadowAvailIdx = vq.Vring.Avail.Idx
	return vq.ShadowAvailIdx
}

func (vq *Virtq) queueEmpty() bool {
	if !vq.Ready {
		return true
	}
	if vq.ShadowAvailIdx != vq.LastAvailIdx {
		return false
	}
	return vq.availIdx() == vq.LastAvailIdx
}

func (vq *Virtq) popQueue(mem *Memory) (*VirtqElem, error) {
	if vq.queueEmpty() {
		return nil, nil
	}

	if int(vq.inuse) >= vq.Vring.Num {
		return nil, fmt.Errorf("virtq size exceeded")
	}

	idx := int(vq.LastAvailIdx) % vq.Vring.Num

	vq.LastAvailIdx++
	head := vq.Vring.AvailRing[idx]
	if int(head) >= vq.Vring.Num {
		return nil, fmt.Errorf("avail head %d out of range %d", head, vq.Vring.Num)
	}
	if vq.Vring.UsedAvailEvent != nil {
		*vq.Vring.UsedAvailEvent = vq.LastAvailIdx
	}

	elem, err := vq.queueMapDesc(mem, int(head))
	if elem == nil || err != nil {
		return nil, err
	}
	vq.inuse++
	return elem, nil
}

func (vq *Virtq) queueMapDesc(mem *Memory, head int) (*VirtqElem, error) {
	result := VirtqElem{
		index: uint(head),
	}

	descArray := vq.Vring.Desc
	desc := descArray[head]
	if desc.Flags&VRING_DESC_F_INDIRECT != 0 {
		eltSize := unsafe.Sizeof(VringDesc{})
		if (desc.Len % uint32(eltSize)) != 0 {
			return nil, fmt.Errorf("indirect table length %d", desc.Len)
		}

		indirectAsBytes := mem.FromGuestAddr(desc.Addr, uint64(desc.Len))
		if indirectAsBytes == nil {
			return nil, fmt.Errorf("OOB read %x", desc.Addr)
		}
		if len(indirectAsBytes) != int(desc.Len) {
			return nil, fmt.Errorf("partial read indirect desc")
		}
		n := desc.Len / uint32(eltSize)
		descArray = unsafe.Slice((*VringDesc)(unsafe.Pointer(&indirectAsBytes[0])), n)
		desc = descArray[0]
	}

	for steps := 0; ; steps++ {
		if steps >= len(descArray) {
			return nil, fmt.Errorf("descriptor chain loops")
		}
		iov, err := mem.Segments(desc.Addr, uint64(desc.Len))
		if err != nil {
			return nil, err
		}
		if desc.Flags&VRING_DESC_F_WRITE != 0 {
			result.Write = append(result.Write, iov...)
		} else {
			if len(result.Write) > 0 {
				return nil, fmt.Errorf("readable descriptor after writable one")
			}
			result.Read = append(result.Read, iov...)
		}

		if desc.Flags&VRING_DESC_F_NEXT == 0 {
			break
		}

		head = int(desc.Next)
		if head >= len(descArray) {
			return nil, fmt.Errorf("next %d out of range", head)
		}
		desc = descArray[head]
	}

	return &result, nil
}

func (vq *Virtq) pushQueue(elem *VirtqElem, len int) {
	idx := int(vq.UsedIdx) % vq.Vring.Num
	vq.Vring.UsedRing[idx] = VringUsedElement{
		ID:  uint32(elem.index),
		Len: uint32(len),
	}

	old := vq.UsedIdx
	new := uint16(old + 1)
	vq.UsedIdx = new
	vq.Vring.Used.Idx = new

	vq.inuse--

	if new-vq.SignaledUsed < new-old {
		vq.SignaledUsedValid = false
	}
}

// virtio-ring.h
func VringNeedEvent(eventIdx uint16, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

func (vq *Virtq) vringNotify() bool {
	v := vq.SignaledUsedValid
	old := vq.SignaledUsed
	new := vq.UsedIdx
	vq.SignaledUsed = new
	vq.SignaledUsedValid = true
	return !v || VringNeedEvent(*vq.Vring.AvailUsedEvent, new, old)
}

// queueNotify signals the call eventfd. It returns false if the driver
// did not ask to be notified.
func (vq *Virtq) queueNotify() (bool, error) {
	if !vq.vringNotify() {
		return false, nil
	}
	if vq.CallFD <= 0 {
		return true, nil
	}
	var payload [8]byte
	payload[0] = 1
	if _, err := unix.Write(vq.CallFD, payload[:]); err != nil {
		return true, errors.Wrap(err, "eventfd write")
	}
	return true, nil
}

// NewEventFD returns a non-blocking eventfd, as used for kick and call
// notifications.
func NewEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, errors.Wrap(err, "eventfd")
	}
	return fd, nil
}

// drainEventFD consumes pending notifications and reports how many
// there were.
func drainEventFD(fd int) (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return *(*uint64)(unsafe.Pointer(&buf[0])), nil
}
