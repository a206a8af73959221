// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"context"
	"fmt"
	"io"
	"net"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/go-viommu/viommu/virtio"
)

var errHangup = errors.New("front-end hung up")

type vring struct {
	num  int
	base uint16

	kickFD int
	callFD int
	errFD  int
}

// Server implements the vhost-user protocol, which sets up the virtqs
// of the IOMMU device through a unix socket connection.
type Server struct {
	conn   *net.UnixConn
	device *virtio.Device
	mem    *virtio.Memory
	log    logrus.FieldLogger

	Debug bool

	protocolFeatures uint64
	vrings           [2]vring

	// guest addresses of the regions added by this connection
	regions map[uint64]bool

	// set while Serve runs
	ctx     context.Context
	group   *errgroup.Group
	serving bool
}

// NewServer serves device on c. Guest memory regions announced by the
// front-end are added to mem.
func NewServer(c *net.UnixConn, d *virtio.Device, mem *virtio.Memory, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{conn: c, device: d, mem: mem, log: log, regions: map[uint64]bool{}}
}

// Serve handles front-end messages until the connection is closed or
// ctx is done. Once the request queue has a kick eventfd, it is
// processed in the background.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.group = gctx, g
	g.Go(func() error {
		for {
			if err := s.oneRequest(); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	s.closeFDs()
	s.releaseMemory()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == errHangup {
		return nil
	}
	return err
}

func (s *Server) closeFDs() {
	for i := range s.vrings {
		s.device.SetKickFD(i, 0)
		s.device.SetCallFD(i, 0)
		vr := &s.vrings[i]
		for _, fd := range []*int{&vr.kickFD, &vr.callFD, &vr.errFD} {
			if *fd > 0 {
				unix.Close(*fd)
			}
			*fd = 0
		}
	}
}

// releaseMemory stops the rings, which point into guest memory, and
// removes the regions of this connection so a new front-end can connect.
func (s *Server) releaseMemory() {
	for i := range s.vrings {
		s.device.StopQueue(i)
	}
	for gpa := range s.regions {
		if err := s.mem.Remove(gpa); err != nil {
			s.log.WithError(err).Warn("remove memory region")
		}
	}
	s.regions = map[uint64]bool{}
}

func (s *Server) features() uint64 {
	return s.device.Features() | 1<<F_PROTOCOL_FEATURES
}

func (s *Server) getProtocolFeatures() uint64 {
	return composeMask([]int{
		PROTOCOL_F_MQ,
		PROTOCOL_F_REPLY_ACK,
		PROTOCOL_F_CONFIG,
		PROTOCOL_F_CONFIGURE_MEM_SLOTS,
	})
}

func (s *Server) vringIndex(idx uint64) (int, error) {
	if idx&(1<<8) != 0 {
		return 0, errors.New("vring without eventfd is not supported")
	}
	i := int(idx & 0xff)
	if i >= len(s.vrings) {
		return 0, errors.Errorf("vring %d does not exist", i)
	}
	return i, nil
}

func replaceFD(dst *int, fd int) {
	if *dst > 0 {
		unix.Close(*dst)
	}
	*dst = fd
}

func (s *Server) setVringAddr(addr *VhostVringAddr) error {
	if int(addr.Index) >= len(s.vrings) {
		return errors.Errorf("vring %d does not exist", addr.Index)
	}
	var ga virtio.VringAddr
	for _, c := range []struct {
		driver uint64
		guest  *uint64
		name   string
	}{
		{addr.DescUserAddr, &ga.Desc, "desc"},
		{addr.AvailUserAddr, &ga.Avail, "avail"},
		{addr.UsedUserAddr, &ga.Used, "used"},
	} {
		g, ok := s.mem.DriverToGuest(c.driver)
		if !ok {
			return errors.Errorf("could not map %s address %x", c.name, c.driver)
		}
		*c.guest = g
	}
	vr := &s.vrings[addr.Index]
	return s.device.SetupQueue(int(addr.Index), vr.num, ga)
}

func (s *Server) setVringKick(fd int, idx uint64) error {
	i, err := s.vringIndex(idx)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	// The device stops reading the old eventfd before it is closed.
	s.device.SetKickFD(i, fd)
	replaceFD(&s.vrings[i].kickFD, fd)

	if i == virtio.RequestQueue && !s.serving {
		s.serving = true
		ctx := s.ctx
		s.group.Go(func() error {
			err := s.device.Serve(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}
	return nil
}

func (s *Server) setVringCall(fd int, idx uint64) error {
	i, err := s.vringIndex(idx)
	if err != nil {
		unix.Close(fd)
		return err
	}
	s.device.SetCallFD(i, fd)
	replaceFD(&s.vrings[i].callFD, fd)
	return nil
}

func (s *Server) setVringErr(fd int, idx uint64) error {
	i, err := s.vringIndex(idx)
	if err != nil {
		unix.Close(fd)
		return err
	}
	replaceFD(&s.vrings[i].errFD, fd)
	return nil
}

func (s *Server) addMemReg(fd int, reg *VhostUserMemoryRegion) error {
	defer unix.Close(fd)
	if len(s.mem.Regions()) >= MAX_MEM_SLOTS {
		return fmt.Errorf("all %d memory slots in use", MAX_MEM_SLOTS)
	}
	if err := s.mem.AddDriverFile(fd, int64(reg.MmapOffset), reg.GuestPhysAddr, reg.MemorySize, reg.DriverAddr); err != nil {
		return err
	}
	s.regions[reg.GuestPhysAddr] = true
	return nil
}

func (s *Server) remMemReg(reg *VhostUserMemoryRegion) error {
	if err := s.mem.Remove(reg.GuestPhysAddr); err != nil {
		return err
	}
	delete(s.regions, reg.GuestPhysAddr)
	return nil
}

func (s *Server) getConfig(req, rep *VhostUserConfig) (int, error) {
	if req.Size > MAX_CONFIG_SIZE {
		return 0, errors.Errorf("config size %d", req.Size)
	}
	*rep = VhostUserConfig{Offset: req.Offset, Size: req.Size, Flags: req.Flags}
	s.device.ReadConfig(int(req.Offset), rep.Region[:req.Size])
	return configHeaderSize + int(req.Size), nil
}

func readFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		r, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, err
		}
		fds = append(fds, r...)
	}
	return fds, nil
}

func (s *Server) oneRequest() error {
	var inBuf, outBuf [4096]byte
	var oobBuf [256]byte

	n, oobN, _, _, err := s.conn.ReadMsgUnix(inBuf[:hdrSize], oobBuf[:])
	if err == io.EOF || (err == nil && n == 0) {
		return errHangup
	}
	if err != nil {
		return err
	}
	if n < hdrSize {
		return fmt.Errorf("short header: %d bytes", n)
	}
	inHeader := (*Header)(unsafe.Pointer(&inBuf[0]))
	name := reqName(inHeader.Request)

	inFDs, err := readFDs(oobBuf[:oobN])
	if err != nil {
		return err
	}

	if inHeader.Size > 0 {
		if int(inHeader.Size) > len(inBuf)-hdrSize {
			return fmt.Errorf("%s: payload of %d bytes", name, inHeader.Size)
		}
		if _, err := io.ReadFull(s.conn, inBuf[hdrSize:hdrSize+int(inHeader.Size)]); err != nil {
			return errors.Wrapf(err, "%s payload", name)
		}
	}

	needReply := inHeader.Flags&NEED_REPLY != 0
	inPayloadPtr := unsafe.Pointer(&inBuf[hdrSize])
	if s.Debug {
		inDebug := ""
		if f := decodeIn[inHeader.Request]; f != nil {
			inDebug = fmt.Sprintf("%v", f(inPayloadPtr))
		} else if inHeader.Size > 0 {
			inDebug = fmt.Sprintf("payload %q (%d bytes)", inBuf[hdrSize:hdrSize+int(inHeader.Size)], inHeader.Size)
		}
		flagStr := ""
		if needReply {
			flagStr = "need_reply "
		}
		s.log.Debugf("rx %-2d %s %s %sFDs %v", inHeader.Request, name, inDebug, flagStr, inFDs)
	}

	if inHeader.Request == REQ_REM_MEM_REG {
		for _, fd := range inFDs {
			unix.Close(fd)
		}
		inFDs = nil
	} else if c := inFDCount[inHeader.Request]; c != len(inFDs) {
		for _, fd := range inFDs {
			unix.Close(fd)
		}
		return fmt.Errorf("got %d fds for %s, want %d", len(inFDs), name, c)
	}

	outHeader := (*Header)(unsafe.Pointer(&outBuf[0]))
	outPayloadPtr := unsafe.Pointer(&outBuf[hdrSize])
	*outHeader = Header{Request: inHeader.Request, Flags: VERSION | USER_REPLY}

	var rep interface{}
	repSize := 0
	var deviceErr error
	switch inHeader.Request {
	case REQ_GET_FEATURES:
		r := (*FeaturesPayload)(outPayloadPtr)
		r.Mask = s.features()
		rep, repSize = r, int(unsafe.Sizeof(*r))
	case REQ_SET_FEATURES:
		req := (*FeaturesPayload)(inPayloadPtr)
		deviceErr = s.device.SetFeatures(req.Mask &^ (1 << F_PROTOCOL_FEATURES))
	case REQ_GET_PROTOCOL_FEATURES:
		r := (*ProtocolFeaturesPayload)(outPayloadPtr)
		r.Mask = s.getProtocolFeatures()
		rep, repSize = r, int(unsafe.Sizeof(*r))
	case REQ_SET_PROTOCOL_FEATURES:
		req := (*ProtocolFeaturesPayload)(inPayloadPtr)
		s.protocolFeatures = req.Mask & s.getProtocolFeatures()
	case REQ_GET_QUEUE_NUM:
		r := (*U64Payload)(outPayloadPtr)
		r.Num = uint64(len(s.vrings))
		rep, repSize = r, int(unsafe.Sizeof(*r))
	case REQ_GET_MAX_MEM_SLOTS:
		r := (*U64Payload)(outPayloadPtr)
		r.Num = MAX_MEM_SLOTS
		rep, repSize = r, int(unsafe.Sizeof(*r))
	case REQ_SET_OWNER, REQ_RESET_OWNER:
	case REQ_SET_BACKEND_REQ_FD:
		// Faults go through the event queue; the back-end channel
		// is not used.
		unix.Close(inFDs[0])
	case REQ_SET_VRING_NUM:
		req := (*VhostVringState)(inPayloadPtr)
		if int(req.Index) < len(s.vrings) {
			s.vrings[req.Index].num = int(req.Num)
		} else {
			deviceErr = fmt.Errorf("vring %d does not exist", req.Index)
		}
	case REQ_SET_VRING_BASE:
		req := (*VhostVringState)(inPayloadPtr)
		if int(req.Index) < len(s.vrings) {
			s.vrings[req.Index].base = uint16(req.Num)
		} else {
			deviceErr = fmt.Errorf("vring %d does not exist", req.Index)
		}
	case REQ_GET_VRING_BASE:
		req := (*VhostVringState)(inPayloadPtr)
		r := (*VhostVringState)(outPayloadPtr)
		if int(req.Index) < len(s.vrings) {
			*r = VhostVringState{Index: req.Index, Num: uint32(s.device.StopQueue(int(req.Index)))}
			rep, repSize = r, int(unsafe.Sizeof(*r))
		} else {
			deviceErr = fmt.Errorf("vring %d does not exist", req.Index)
		}
	case REQ_SET_VRING_ADDR:
		deviceErr = s.setVringAddr((*VhostVringAddr)(inPayloadPtr))
	case REQ_SET_VRING_KICK:
		deviceErr = s.setVringKick(inFDs[0], (*U64Payload)(inPayloadPtr).Num)
	case REQ_SET_VRING_CALL:
		deviceErr = s.setVringCall(inFDs[0], (*U64Payload)(inPayloadPtr).Num)
	case REQ_SET_VRING_ERR:
		deviceErr = s.setVringErr(inFDs[0], (*U64Payload)(inPayloadPtr).Num)
	case REQ_SET_VRING_ENABLE:
	case REQ_ADD_MEM_REG:
		req := (*VhostUserMemRegMsg)(inPayloadPtr)
		deviceErr = s.addMemReg(inFDs[0], &req.Region)
	case REQ_REM_MEM_REG:
		req := (*VhostUserMemRegMsg)(inPayloadPtr)
		deviceErr = s.remMemReg(&req.Region)
	case REQ_GET_CONFIG:
		r := (*VhostUserConfig)(outPayloadPtr)
		repSize, deviceErr = s.getConfig((*VhostUserConfig)(inPayloadPtr), r)
		if deviceErr == nil {
			rep = r
		}
	case REQ_SET_CONFIG:
		deviceErr = errors.New("config space is read-only")
	default:
		deviceErr = fmt.Errorf("unsupported request %s", name)
	}

	if needReply && rep == nil && s.protocolFeatures&(1<<PROTOCOL_F_REPLY_ACK) != 0 {
		r := (*U64Payload)(outPayloadPtr)
		r.Num = 0
		if deviceErr != nil {
			r.Num = 1
		}
		rep, repSize = r, int(unsafe.Sizeof(*r))
	}
	if deviceErr != nil {
		s.log.WithField("request", name).WithError(deviceErr).Warn("request failed")
	}
	if rep == nil {
		if s.Debug {
			s.log.Debugf("tx    %s no reply", name)
		}
		return nil
	}

	outHeader.Size = uint32(repSize)
	if s.Debug {
		outDebug := fmt.Sprintf("payload %q (%d bytes)", outBuf[hdrSize:hdrSize+repSize], repSize)
		if st, ok := rep.(fmt.Stringer); ok {
			outDebug = st.String()
		}
		s.log.Debugf("tx    %s %s", name, outDebug)
	}
	_, err = s.conn.Write(outBuf[:hdrSize+repSize])
	return err
}

// ListenAndServe accepts front-end connections on a unix socket at
// sockpath and serves one at a time until ctx is done.
func ListenAndServe(ctx context.Context, sockpath string, d *virtio.Device, mem *virtio.Memory, log logrus.FieldLogger) error {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockpath, Net: "unix"})
	if err != nil {
		return err
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := NewServer(conn, d, mem, log).Serve(ctx); err != nil {
			return err
		}
	}
}
