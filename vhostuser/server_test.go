// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/go-viommu/viommu/internal/testutil"
	"github.com/go-viommu/viommu/iommu"
	"github.com/go-viommu/viommu/virtio"
)

const (
	testMemSize    = 1 << 20
	testDriverBase = 0x7f0000000000
	testQueueSize  = 16
)

// frontEnd plays the VMM side of the socket.
type frontEnd struct {
	t  *testing.T
	fd int
}

func (f *frontEnd) send(req uint32, flags uint32, payload interface{}, fds ...int) {
	f.t.Helper()
	var buf bytes.Buffer
	var body []byte
	if payload != nil {
		var pb bytes.Buffer
		if err := binary.Write(&pb, binary.LittleEndian, payload); err != nil {
			f.t.Fatal(err)
		}
		body = pb.Bytes()
	}
	binary.Write(&buf, binary.LittleEndian, Header{Request: req, Flags: VERSION | flags, Size: uint32(len(body))})
	buf.Write(body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if err := unix.Sendmsg(f.fd, buf.Bytes(), oob, nil, 0); err != nil {
		f.t.Fatalf("sendmsg %s: %v", reqName(req), err)
	}
}

func (f *frontEnd) readFull(b []byte) {
	f.t.Helper()
	for len(b) > 0 {
		n, err := unix.Read(f.fd, b)
		if err != nil || n == 0 {
			f.t.Fatalf("read: %d, %v", n, err)
		}
		b = b[n:]
	}
}

func (f *frontEnd) recv(req uint32) []byte {
	f.t.Helper()
	var hb [hdrSize]byte
	f.readFull(hb[:])
	var h Header
	binary.Read(bytes.NewReader(hb[:]), binary.LittleEndian, &h)
	if h.Request != req || h.Flags&USER_REPLY == 0 {
		f.t.Fatalf("reply %+v to %s", h, reqName(req))
	}
	b := make([]byte, h.Size)
	f.readFull(b)
	return b
}

func (f *frontEnd) u64(req uint32) uint64 {
	f.t.Helper()
	b := f.recv(req)
	if len(b) != 8 {
		f.t.Fatalf("%s reply has %d bytes", reqName(req), len(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// ack sends a request asking for a REPLY_ACK and checks it succeeded.
func (f *frontEnd) ack(req uint32, payload interface{}, fds ...int) {
	f.t.Helper()
	f.send(req, NEED_REPLY, payload, fds...)
	if st := f.u64(req); st != 0 {
		f.t.Fatalf("%s failed: %d", reqName(req), st)
	}
}

func newEventFD(t *testing.T) int {
	fd, err := virtio.NewEventFD()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestServer(t *testing.T) {
	l, _ := testutil.NewLogger(t)
	e, err := iommu.New(iommu.DefaultConfig(), &iommu.Options{Logger: l})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	mem := virtio.NewMemory()
	defer mem.Close()
	dev, err := virtio.NewDevice(e, mem, &virtio.DeviceOptions{Logger: l})
	if err != nil {
		t.Fatal(err)
	}

	// Guest memory, shared with the back-end.
	memfd, err := unix.MemfdCreate("guest", unix.MFD_CLOEXEC)
	if err != nil {
		t.Skipf("memfd_create: %v", err)
	}
	defer unix.Close(memfd)
	if err := unix.Ftruncate(memfd, testMemSize); err != nil {
		t.Fatal(err)
	}
	guest, err := unix.Mmap(memfd, 0, testMemSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(guest)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	file := os.NewFile(uintptr(fds[1]), "vhost-user")
	c, err := net.FileConn(file)
	file.Close()
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(c.(*net.UnixConn), dev, mem, l)
	srv.Debug = testutil.VerboseTest()

	var g errgroup.Group
	g.Go(func() error { return srv.Serve(context.Background()) })

	fe := &frontEnd{t: t, fd: fds[0]}
	fe.send(REQ_GET_FEATURES, 0, nil)
	features := fe.u64(REQ_GET_FEATURES)
	for _, bit := range []int{F_PROTOCOL_FEATURES, virtio.F_VERSION_1, virtio.IOMMU_F_MAP_UNMAP, virtio.IOMMU_F_PROBE} {
		if features&(1<<bit) == 0 {
			t.Errorf("features %x lack bit %d", features, bit)
		}
	}
	fe.send(REQ_GET_PROTOCOL_FEATURES, 0, nil)
	if pf := fe.u64(REQ_GET_PROTOCOL_FEATURES); pf&(1<<PROTOCOL_F_CONFIG) == 0 || pf&(1<<PROTOCOL_F_REPLY_ACK) == 0 {
		t.Fatalf("protocol features %s", maskToString(protocolFeatureNames, pf))
	}
	fe.send(REQ_SET_PROTOCOL_FEATURES, 0, &ProtocolFeaturesPayload{Mask: 1<<PROTOCOL_F_CONFIG | 1<<PROTOCOL_F_REPLY_ACK})
	fe.ack(REQ_SET_FEATURES, &FeaturesPayload{Mask: 1<<F_PROTOCOL_FEATURES | 1<<virtio.F_VERSION_1 | 1<<virtio.IOMMU_F_MAP_UNMAP})

	fe.send(REQ_GET_QUEUE_NUM, 0, nil)
	if n := fe.u64(REQ_GET_QUEUE_NUM); n != 2 {
		t.Errorf("queue num %d", n)
	}

	fe.send(REQ_GET_CONFIG, 0, &VhostUserConfig{Offset: 0, Size: 40})
	cfg := fe.recv(REQ_GET_CONFIG)
	if len(cfg) != configHeaderSize+40 {
		t.Fatalf("config reply of %d bytes", len(cfg))
	}
	if ps := binary.LittleEndian.Uint32(cfg[configHeaderSize+32:]); ps != iommu.DefaultProbeSize {
		t.Errorf("probe size %d", ps)
	}
	fe.send(REQ_SET_CONFIG, NEED_REPLY, &VhostUserConfig{Size: 1})
	if st := fe.u64(REQ_SET_CONFIG); st == 0 {
		t.Error("config space accepted a write")
	}

	fe.ack(REQ_ADD_MEM_REG, &VhostUserMemRegMsg{Region: VhostUserMemoryRegion{
		GuestPhysAddr: 0,
		MemorySize:    testMemSize,
		DriverAddr:    testDriverBase,
	}}, memfd)

	fe.ack(REQ_SET_VRING_NUM, &VhostVringState{Index: 0, Num: testQueueSize})
	fe.ack(REQ_SET_VRING_BASE, &VhostVringState{Index: 0, Num: 0})
	fe.ack(REQ_SET_VRING_ADDR, &VhostVringAddr{
		Index:         0,
		DescUserAddr:  testDriverBase,
		AvailUserAddr: testDriverBase + 0x1000,
		UsedUserAddr:  testDriverBase + 0x2000,
	})
	kick, call := newEventFD(t), newEventFD(t)
	fe.ack(REQ_SET_VRING_CALL, &U64Payload{Num: 0}, call)
	fe.ack(REQ_SET_VRING_KICK, &U64Payload{Num: 0}, kick)
	fe.ack(REQ_SET_VRING_ENABLE, &VhostVringState{Index: 0, Num: 1})

	// Put an ATTACH request on the request queue.
	req := iommu.EncodeRequest(&iommu.AttachRequest{Domain: 1, Device: 7})
	copy(guest[0x40000:], req)
	desc := unsafe.Slice((*virtio.VringDesc)(unsafe.Pointer(&guest[0])), testQueueSize)
	desc[0] = virtio.VringDesc{Addr: 0x40000, Len: uint32(len(req)), Flags: virtio.VRING_DESC_F_NEXT, Next: 1}
	desc[1] = virtio.VringDesc{Addr: 0x40100, Len: 4, Flags: virtio.VRING_DESC_F_WRITE}
	avail := (*virtio.VringAvail)(unsafe.Pointer(&guest[0x1000]))
	avail.Ring0 = 0
	avail.Idx = 1

	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(kick, one[:]); err != nil {
		t.Fatal(err)
	}
	pfd := []unix.PollFd{{Fd: int32(call), Events: unix.POLLIN}}
	if n, err := unix.Poll(pfd, int((5 * time.Second).Milliseconds())); err != nil || n != 1 {
		t.Fatalf("waiting for call: %d, %v", n, err)
	}
	used := (*virtio.VringUsed)(unsafe.Pointer(&guest[0x2000]))
	if used.Idx != 1 || used.Ring0.ID != 0 || used.Ring0.Len != 4 {
		t.Errorf("used ring %d %v", used.Idx, &used.Ring0)
	}
	if st := iommu.Status(guest[0x40100]); st != iommu.StatusOK {
		t.Errorf("status %v", st)
	}
	if dom, ok := e.DeviceDomain(7); !ok || dom != 1 {
		t.Errorf("DeviceDomain = %d, %v", dom, ok)
	}

	// A restarted ring gets a fresh kick eventfd; the old one is
	// closed by the back-end.
	if _, err := unix.Read(call, one[:]); err != nil {
		t.Fatal(err)
	}
	kick2 := newEventFD(t)
	fe.ack(REQ_SET_VRING_KICK, &U64Payload{Num: 0}, kick2)

	req = iommu.EncodeRequest(&iommu.AttachRequest{Domain: 2, Device: 8})
	copy(guest[0x40200:], req)
	desc[2] = virtio.VringDesc{Addr: 0x40200, Len: uint32(len(req)), Flags: virtio.VRING_DESC_F_NEXT, Next: 3}
	desc[3] = virtio.VringDesc{Addr: 0x40300, Len: 4, Flags: virtio.VRING_DESC_F_WRITE}
	availRing := unsafe.Slice(&avail.Ring0, testQueueSize+1)
	availRing[1] = 2
	availRing[testQueueSize] = 1 // used_event: call once the second chain is used
	avail.Idx = 2
	if _, err := unix.Write(kick2, one[:]); err != nil {
		t.Fatal(err)
	}
	if n, err := unix.Poll(pfd, int((5 * time.Second).Milliseconds())); err != nil || n != 1 {
		t.Fatalf("waiting for call after new kick: %d, %v", n, err)
	}
	if used.Idx != 2 || iommu.Status(guest[0x40300]) != iommu.StatusOK {
		t.Errorf("second request: used idx %d, status %v", used.Idx, iommu.Status(guest[0x40300]))
	}
	if dom, ok := e.DeviceDomain(8); !ok || dom != 2 {
		t.Errorf("DeviceDomain(8) = %d, %v", dom, ok)
	}

	fe.send(REQ_GET_VRING_BASE, 0, &VhostVringState{Index: 0})
	base := fe.recv(REQ_GET_VRING_BASE)
	if len(base) != 8 || binary.LittleEndian.Uint32(base[4:]) != 2 {
		t.Errorf("vring base %x", base)
	}

	unix.Close(fds[0])
	if err := g.Wait(); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if rs := mem.Regions(); len(rs) != 0 {
		t.Errorf("regions %v survive the connection", rs)
	}
}
