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

// Probe property types.
const (
	PropNone    uint16 = 0
	PropResvMem uint16 = 1
)

const (
	propHeaderSize     = 4
	resvMemPayloadSize = 20
)

// Property is a decoded probe property.
type Property struct {
	Type    uint16
	Payload []byte
}

func (p Property) String() string {
	switch p.Type {
	case PropNone:
		return "NONE"
	case PropResvMem:
		if r, ok := p.ReservedRegion(); ok {
			return fmt.Sprintf("RESV_MEM %v", r)
		}
	}
	return fmt.Sprintf("prop %d len %d", p.Type, len(p.Payload))
}

// ReservedRegion decodes a RESV_MEM payload.
func (p Property) ReservedRegion() (ReservedRegion, bool) {
	if p.Type != PropResvMem || len(p.Payload) < resvMemPayloadSize {
		return ReservedRegion{}, false
	}
	return ReservedRegion{
		Subtype: ResvSubtype(p.Payload[0]),
		Start:   binary.LittleEndian.Uint64(p.Payload[4:]),
		End:     binary.LittleEndian.Uint64(p.Payload[12:]),
	}, true
}

// ParseProperties decodes a probe buffer up to and including the NONE
// terminator.
func ParseProperties(buf []byte) ([]Property, error) {
	var r []Property
	for {
		if len(buf) < propHeaderSize {
			return r, errors.Wrap(ErrTransport, "probe buffer without terminator")
		}
		p := Property{Type: binary.LittleEndian.Uint16(buf)}
		l := int(binary.LittleEndian.Uint16(buf[2:]))
		buf = buf[propHeaderSize:]
		if l > len(buf) {
			return r, errors.Wrapf(ErrTransport, "property %d length %d exceeds buffer", p.Type, l)
		}
		p.Payload = buf[:l]
		buf = buf[l:]
		r = append(r, p)
		if p.Type == PropNone {
			return r, nil
		}
	}
}

type propWriter struct {
	buf    []byte
	filled int
}

func (w *propWriter) add(typ uint16, payload []byte) error {
	need := propHeaderSize + len(payload)
	if w.filled+need > len(w.buf) {
		return errors.Wrapf(ErrNoSpace, "property %d needs %d bytes, %d of %d filled",
			typ, need, w.filled, len(w.buf))
	}
	b := w.buf[w.filled:]
	binary.LittleEndian.PutUint16(b, typ)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(payload)))
	copy(b[propHeaderSize:], payload)
	w.filled += need
	return nil
}

// Probe writes the properties of dev into buf: one RESV_MEM property
// per reserved region followed by a NONE terminator. It returns the
// number of bytes filled, also when the buffer is too small, in which
// case the error wraps ErrNoSpace.
func (e *Engine) Probe(dev DeviceID, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.probeLocked(dev, buf)
	return n, e.done(reqNameProbe, logrus.Fields{"device": dev, "filled": n}, err)
}

func (e *Engine) probeLocked(dev DeviceID, buf []byte) (int, error) {
	d, ok := e.devices[dev]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "device %v", dev)
	}

	w := propWriter{buf: buf}
	var err error
	var payload [resvMemPayloadSize]byte
	d.reserved.Ascend(func(iv intervalmap.Interval, st ResvSubtype) bool {
		payload = [resvMemPayloadSize]byte{}
		payload[0] = byte(st)
		binary.LittleEndian.PutUint64(payload[4:], iv.Start)
		binary.LittleEndian.PutUint64(payload[12:], iv.Last)
		err = w.add(PropResvMem, payload[:])
		return err == nil
	})
	if err != nil {
		return w.filled, err
	}
	if err := w.add(PropNone, nil); err != nil {
		return w.filled, err
	}
	return w.filled, nil
}
