// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// submit runs req through HandleRequest the way a virtqueue element
// would carry it, and returns the status and the probe bytes.
func submit(t *testing.T, e *Engine, req []byte) (Status, []byte) {
	t.Helper()
	var typ uint8
	if len(req) > 0 {
		typ = req[0]
	}
	out := make([]byte, e.ResponseSize(typ))
	n, err := e.HandleRequest([][]byte{req}, [][]byte{out})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if n != len(out) {
		t.Fatalf("wrote %d bytes, want %d", n, len(out))
	}
	return Status(out[n-tailSize]), out[:n-tailSize]
}

func TestDecodeRequest(t *testing.T) {
	for _, r := range []Request{
		&AttachRequest{Domain: 1, Device: 0x10, Reserved: 3},
		&DetachRequest{Device: 0x10},
		&MapRequest{Domain: 2, Phys: 0x5000, VirtStart: 0x1000, VirtEnd: 0x1fff, Flags: MapRW},
		&UnmapRequest{Domain: 2, VirtStart: 0x1000, Size: 0x1000},
		&ProbeRequest{Device: 0x10},
	} {
		b := EncodeRequest(r)
		got, err := DecodeRequest(b)
		if err != nil {
			t.Fatalf("DecodeRequest(%v): %v", r, err)
		}
		if diff := cmp.Diff(r, got); diff != "" {
			t.Errorf("%v: diff (-want +got):\n%s", r, diff)
		}

		if _, err := DecodeRequest(b[:len(b)-1]); !errors.Is(err, ErrTransport) {
			t.Errorf("truncated %v: got %v, want ErrTransport", r, err)
		}
	}
}

func TestMapRequestLayout(t *testing.T) {
	b := EncodeRequest(&MapRequest{Domain: 0x04030201, Phys: 0x1122334455667788, VirtStart: 0x10, VirtEnd: 0x20, Flags: MapWrite})
	want := []byte{
		ReqMap, 0, 0, 0,
		0x01, 0x02, 0x03, 0x04,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x10, 0, 0, 0, 0, 0, 0, 0,
		0x20, 0, 0, 0, 0, 0, 0, 0,
		0x02, 0, 0, 0,
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("encoding (-want +got):\n%s", diff)
	}
}

func TestHandleRequest(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())

	steps := []struct {
		req  Request
		want Status
	}{
		{&MapRequest{Domain: 1, VirtStart: 0x1000, VirtEnd: 0x1fff, Phys: 0x5000, Flags: MapRW}, StatusOK},
		{&AttachRequest{Domain: 1, Device: 7, Reserved: 1}, StatusInval},
		{&AttachRequest{Domain: 1, Device: 7}, StatusOK},
		{&MapRequest{Domain: 1, VirtStart: 0x1800, VirtEnd: 0x27ff, Phys: 0x5000, Flags: MapRW}, StatusInval},
		{&MapRequest{Domain: 1, VirtStart: 0x3000, VirtEnd: 0x2fff, Phys: 0x5000, Flags: MapRW}, StatusInval},
		{&UnmapRequest{Domain: 1, VirtStart: 0x1400, Size: 0x100}, StatusRange},
		{&UnmapRequest{Domain: 1, VirtStart: 0x1000, Size: 0}, StatusInval},
		{&UnmapRequest{Domain: 9, VirtStart: 0x1000, Size: 0x1000}, StatusNoEnt},
		{&DetachRequest{Device: 7, Reserved: 1}, StatusInval},
		{&DetachRequest{Device: 8}, StatusNoEnt},
		{&UnmapRequest{Domain: 1, VirtStart: 0x1000, Size: 0x1000}, StatusOK},
		{&DetachRequest{Device: 7}, StatusOK},
		{&DetachRequest{Device: 7}, StatusInval},
		{&ProbeRequest{Device: 8}, StatusNoEnt},
		{&ProbeRequest{Device: 7}, StatusOK},
	}
	for i, s := range steps {
		if got, _ := submit(t, e, EncodeRequest(s.req)); got != s.want {
			t.Errorf("%d: %v: got %v, want %v", i, s.req, got, s.want)
		}
	}
}

func TestHandleRequestMalformed(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())

	if got, _ := submit(t, e, []byte{42, 0, 0, 0}); got != StatusUnsupp {
		t.Errorf("unknown type: got %v", got)
	}
	if got, _ := submit(t, e, []byte{ReqAttach, 0, 0, 0, 1, 0}); got != StatusDevErr {
		t.Errorf("truncated: got %v", got)
	}
	if got, _ := submit(t, e, []byte{}); got != StatusDevErr {
		t.Errorf("empty: got %v", got)
	}

	req := EncodeRequest(&AttachRequest{Domain: 1, Device: 7})
	if _, err := e.HandleRequest([][]byte{req}, [][]byte{make([]byte, tailSize-1)}); !errors.Is(err, ErrTransport) {
		t.Errorf("no room for status: got %v", err)
	}
	if _, ok := e.DeviceDomain(7); ok {
		t.Error("request without room for a status was executed")
	}
}

func TestHandleRequestScatterGather(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	if err := e.AddDevice(7, ReservedRegion{Start: 0x8000000, End: 0x80fffff, Subtype: ResvMSI}); err != nil {
		t.Fatal(err)
	}

	req := EncodeRequest(&ProbeRequest{Device: 7})
	in := [][]byte{req[:1], req[1:6], req[6:]}
	out := [][]byte{make([]byte, 100), make([]byte, DefaultProbeSize-100), make([]byte, tailSize)}
	n, err := e.HandleRequest(in, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != DefaultProbeSize+tailSize {
		t.Errorf("wrote %d", n)
	}
	if st := Status(out[2][0]); st != StatusOK {
		t.Errorf("status %v", st)
	}
	props, err := ParseProperties(append(append([]byte{}, out[0]...), out[1]...))
	if err != nil {
		t.Fatal(err)
	}
	r, ok := props[0].ReservedRegion()
	if !ok || r.Subtype != ResvMSI || r.Start != 0x8000000 || r.End != 0x80fffff {
		t.Errorf("got %v", props)
	}
}

func TestHandleRequestProbeNoSpace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbeSize = 30
	e, _ := newTestEngine(t, cfg)
	if err := e.AddDevice(7,
		ReservedRegion{Start: 0x1000, End: 0x1fff},
		ReservedRegion{Start: 0x3000, End: 0x3fff},
	); err != nil {
		t.Fatal(err)
	}
	st, props := submit(t, e, EncodeRequest(&ProbeRequest{Device: 7}))
	if st != StatusNoMem {
		t.Errorf("status %v, want NOMEM", st)
	}
	if len(props) != 30 {
		t.Errorf("got %d property bytes", len(props))
	}
}
