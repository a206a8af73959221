// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-viommu/viommu/intervalmap"
)

// Request types.
const (
	ReqAttach uint8 = 1
	ReqDetach uint8 = 2
	ReqMap    uint8 = 3
	ReqUnmap  uint8 = 4
	ReqProbe  uint8 = 5
)

const (
	reqNameAttach = "ATTACH"
	reqNameDetach = "DETACH"
	reqNameMap    = "MAP"
	reqNameUnmap  = "UNMAP"
	reqNameProbe  = "PROBE"
)

var reqNames = map[uint8]string{
	ReqAttach: reqNameAttach,
	ReqDetach: reqNameDetach,
	ReqMap:    reqNameMap,
	ReqUnmap:  reqNameUnmap,
	ReqProbe:  reqNameProbe,
}

func reqName(typ uint8) string {
	if n, ok := reqNames[typ]; ok {
		return n
	}
	return fmt.Sprintf("REQ%d", typ)
}

const (
	headSize = 4
	tailSize = 4

	attachSize = 12
	detachSize = 8
	mapSize    = 32
	unmapSize  = 20
	probeSize  = 4
)

var le = binary.LittleEndian

// Request is a decoded driver request, without the status tail.
type Request interface {
	Type() uint8
	payloadSize() int
	encode(b []byte)
}

type AttachRequest struct {
	Domain   DomainID
	Device   DeviceID
	Reserved uint32
}

type DetachRequest struct {
	Device   DeviceID
	Reserved uint32
}

// MapRequest maps [VirtStart, VirtEnd] to Phys. VirtEnd is inclusive.
type MapRequest struct {
	Domain    DomainID
	Phys      uint64
	VirtStart uint64
	VirtEnd   uint64
	Flags     MapFlags
}

type UnmapRequest struct {
	Domain    DomainID
	VirtStart uint64
	Size      uint64
}

type ProbeRequest struct {
	Device DeviceID
}

func (*AttachRequest) Type() uint8 { return ReqAttach }
func (*DetachRequest) Type() uint8 { return ReqDetach }
func (*MapRequest) Type() uint8    { return ReqMap }
func (*UnmapRequest) Type() uint8  { return ReqUnmap }
func (*ProbeRequest) Type() uint8  { return ReqProbe }

func (*AttachRequest) payloadSize() int { return attachSize }
func (*DetachRequest) payloadSize() int { return detachSize }
func (*MapRequest) payloadSize() int    { return mapSize }
func (*UnmapRequest) payloadSize() int  { return unmapSize }
func (*ProbeRequest) payloadSize() int  { return probeSize }

func (r *AttachRequest) encode(b []byte) {
	le.PutUint32(b, uint32(r.Domain))
	le.PutUint32(b[4:], uint32(r.Device))
	le.PutUint32(b[8:], r.Reserved)
}

func (r *DetachRequest) encode(b []byte) {
	le.PutUint32(b, uint32(r.Device))
	le.PutUint32(b[4:], r.Reserved)
}

func (r *MapRequest) encode(b []byte) {
	le.PutUint32(b, uint32(r.Domain))
	le.PutUint64(b[4:], r.Phys)
	le.PutUint64(b[12:], r.VirtStart)
	le.PutUint64(b[20:], r.VirtEnd)
	le.PutUint32(b[28:], uint32(r.Flags))
}

func (r *UnmapRequest) encode(b []byte) {
	le.PutUint32(b, uint32(r.Domain))
	le.PutUint64(b[4:], r.VirtStart)
	le.PutUint64(b[12:], r.Size)
}

func (r *ProbeRequest) encode(b []byte) {
	le.PutUint32(b, uint32(r.Device))
}

func (r *AttachRequest) String() string {
	return fmt.Sprintf("ATTACH domain %d device %v", r.Domain, r.Device)
}

func (r *DetachRequest) String() string {
	return fmt.Sprintf("DETACH device %v", r.Device)
}

func (r *MapRequest) String() string {
	return fmt.Sprintf("MAP domain %d [0x%x,0x%x] -> 0x%x %v", r.Domain, r.VirtStart, r.VirtEnd, r.Phys, r.Flags)
}

func (r *UnmapRequest) String() string {
	return fmt.Sprintf("UNMAP domain %d 0x%x+0x%x", r.Domain, r.VirtStart, r.Size)
}

func (r *ProbeRequest) String() string {
	return fmt.Sprintf("PROBE device %v", r.Device)
}

// EncodeRequest returns the header and payload of r, as written by a
// driver into the device-readable part of a request.
func EncodeRequest(r Request) []byte {
	b := make([]byte, headSize+r.payloadSize())
	b[0] = r.Type()
	r.encode(b[headSize:])
	return b
}

// DecodeRequest parses the device-readable part of a request. Bytes
// beyond the payload are ignored.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < headSize {
		return nil, errors.Wrapf(ErrTransport, "request of %d bytes has no header", len(b))
	}
	typ := b[0]
	var r Request
	switch typ {
	case ReqAttach:
		r = &AttachRequest{}
	case ReqDetach:
		r = &DetachRequest{}
	case ReqMap:
		r = &MapRequest{}
	case ReqUnmap:
		r = &UnmapRequest{}
	case ReqProbe:
		r = &ProbeRequest{}
	default:
		return nil, errors.Wrapf(ErrUnsupported, "request type %d", typ)
	}
	p := b[headSize:]
	if len(p) < r.payloadSize() {
		return nil, errors.Wrapf(ErrTransport, "%s payload is %d bytes, want %d", reqName(typ), len(p), r.payloadSize())
	}

	switch r := r.(type) {
	case *AttachRequest:
		r.Domain = DomainID(le.Uint32(p))
		r.Device = DeviceID(le.Uint32(p[4:]))
		r.Reserved = le.Uint32(p[8:])
	case *DetachRequest:
		r.Device = DeviceID(le.Uint32(p))
		r.Reserved = le.Uint32(p[4:])
	case *MapRequest:
		r.Domain = DomainID(le.Uint32(p))
		r.Phys = le.Uint64(p[4:])
		r.VirtStart = le.Uint64(p[12:])
		r.VirtEnd = le.Uint64(p[20:])
		r.Flags = MapFlags(le.Uint32(p[28:]))
	case *UnmapRequest:
		r.Domain = DomainID(le.Uint32(p))
		r.VirtStart = le.Uint64(p[4:])
		r.Size = le.Uint64(p[12:])
	case *ProbeRequest:
		r.Device = DeviceID(le.Uint32(p))
	}
	return r, nil
}

// Do executes a decoded request. For PROBE, the properties are written
// to probeBuf and the number of bytes filled is returned.
func (e *Engine) Do(req Request, probeBuf []byte) (int, error) {
	switch r := req.(type) {
	case *AttachRequest:
		if r.Reserved != 0 {
			return 0, e.reject(reqNameAttach, errors.Wrapf(ErrInvalid, "reserved field 0x%x", r.Reserved))
		}
		return 0, e.Attach(r.Domain, r.Device)
	case *DetachRequest:
		if r.Reserved != 0 {
			return 0, e.reject(reqNameDetach, errors.Wrapf(ErrInvalid, "reserved field 0x%x", r.Reserved))
		}
		return 0, e.Detach(r.Device)
	case *MapRequest:
		virt := intervalmap.Interval{Start: r.VirtStart, Last: r.VirtEnd}
		return 0, e.Map(r.Domain, virt, r.Phys, r.Flags)
	case *UnmapRequest:
		return 0, e.Unmap(r.Domain, r.VirtStart, r.Size)
	case *ProbeRequest:
		return e.Probe(r.Device, probeBuf)
	}
	return 0, errors.Wrapf(ErrUnsupported, "request %T", req)
}

func (e *Engine) reject(typ string, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done(typ, logrus.Fields{}, err)
}

// ResponseSize is the number of device-writable bytes a request of
// type typ needs.
func (e *Engine) ResponseSize(typ uint8) int {
	if typ == ReqProbe {
		return int(e.Config().ProbeSize) + tailSize
	}
	return tailSize
}

// HandleRequest processes one request from a virtqueue element. in
// holds the device-readable buffers, out the device-writable ones. It
// returns the number of bytes written to out. An error is returned
// only if the status cannot be delivered.
func (e *Engine) HandleRequest(in, out [][]byte) (int, error) {
	req := gather(in)
	var typ uint8
	if len(req) > 0 {
		typ = req[0]
	}

	need := e.ResponseSize(typ)
	if have := space(out); have < need {
		e.log.WithFields(logrus.Fields{"type": reqName(typ), "need": need, "have": have}).Warn("request without room for a status")
		return 0, errors.Wrapf(ErrTransport, "%s: response needs %d bytes, have %d", reqName(typ), need, have)
	}

	resp := make([]byte, need)
	r, err := DecodeRequest(req)
	if err != nil {
		e.reject(reqName(typ), err)
	} else {
		_, err = e.Do(r, resp[:need-tailSize])
	}
	resp[need-tailSize] = byte(StatusOf(err))
	return scatter(out, resp), nil
}

func gather(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	var r []byte
	for _, b := range bufs {
		r = append(r, b...)
	}
	return r
}

func space(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func scatter(bufs [][]byte, data []byte) int {
	n := 0
	for _, b := range bufs {
		if len(data) == 0 {
			break
		}
		c := copy(b, data)
		data = data[c:]
		n += c
	}
	return n
}
