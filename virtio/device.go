// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/go-viommu/viommu/iommu"
)

// DeviceOptions configure a Device.
type DeviceOptions struct {
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Debug logs every buffer going through the queues.
	Debug bool

	// Registerer receives the transport metrics.
	Registerer prometheus.Registerer
}

// Device is the virtio-iommu device. It moves requests from the request
// queue to the engine and faults from the engine to the event queue.
type Device struct {
	Debug bool

	log    logrus.FieldLogger
	engine *iommu.Engine
	mem    *Memory

	// mu guards the queues. Faults are reported from DMA contexts
	// while requests are processed.
	mu  sync.Mutex
	vqs [2]Virtq

	driverFeatures uint64

	dropped prometheus.Counter
}

// NewDevice creates the device and installs it as the fault reporter of
// engine.
func NewDevice(engine *iommu.Engine, mem *Memory, opts *DeviceOptions) (*Device, error) {
	if opts == nil {
		opts = &DeviceOptions{}
	}
	d := &Device{
		Debug:  opts.Debug,
		log:    opts.Logger,
		engine: engine,
		mem:    mem,
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viommu_fault_events_dropped_total",
			Help: "Faults not delivered because the event queue had no buffer.",
		}),
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(d.dropped); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	engine.SetFaultReporter(d)
	return d, nil
}

// Features returns the feature bits offered to the driver.
func (d *Device) Features() uint64 {
	fs := []int{
		F_VERSION_1,
		RING_F_INDIRECT_DESC,
		RING_F_EVENT_IDX,
		IOMMU_F_INPUT_RANGE,
		IOMMU_F_DOMAIN_RANGE,
		IOMMU_F_MAP_UNMAP,
		IOMMU_F_PROBE,
		IOMMU_F_MMIO,
	}
	if d.engine.Config().Bypass {
		fs = append(fs, IOMMU_F_BYPASS)
	}
	return composeMask(fs)
}

// SetFeatures records the features acknowledged by the driver.
func (d *Device) SetFeatures(mask uint64) error {
	if extra := mask &^ d.Features(); extra != 0 {
		return errors.Errorf("driver acked unoffered features %s", FeaturesString(extra))
	}
	d.mu.Lock()
	d.driverFeatures = mask
	d.mu.Unlock()
	if d.Debug {
		d.log.Debugf("features %s", FeaturesString(mask))
	}
	return nil
}

// Config returns the config space derived from the engine properties.
func (d *Device) Config() IOMMUConfig {
	cfg := d.engine.Config()
	c := IOMMUConfig{
		PageSizeMask:     uint64(cfg.PageSizeMask),
		InputRangeStart:  uint64(cfg.InputRange.Start),
		InputRangeEnd:    uint64(cfg.InputRange.End),
		DomainRangeStart: cfg.DomainRange.Start,
		DomainRangeEnd:   cfg.DomainRange.End,
		ProbeSize:        cfg.ProbeSize,
	}
	if cfg.Bypass {
		c.Bypass = 1
	}
	return c
}

// ReadConfig copies config space bytes starting at offset into buf.
func (d *Device) ReadConfig(offset int, buf []byte) int {
	c := d.Config()
	b := c.bytes()
	if offset >= len(b) {
		return 0
	}
	return copy(buf, b[offset:])
}

// SetupQueue maps queue idx of num entries at the given guest
// addresses.
func (d *Device) SetupQueue(idx int, num int, addr VringAddr) error {
	if idx < 0 || idx >= len(d.vqs) {
		return errors.Errorf("queue %d does not exist", idx)
	}
	if num <= 0 || num > 1<<15 || num&(num-1) != 0 {
		return errors.Errorf("queue size %d", num)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	vq := &d.vqs[idx]
	*vq = Virtq{
		Addr:   addr,
		CallFD: vq.CallFD,
		KickFD: vq.KickFD,
	}
	vq.Vring.Num = num
	if err := vq.mapRing(d.mem); err != nil {
		return errors.Wrapf(err, "queue %d", idx)
	}
	vq.UsedIdx = vq.Vring.Used.Idx
	vq.LastAvailIdx = vq.UsedIdx
	vq.ShadowAvailIdx = vq.UsedIdx
	vq.Ready = true
	d.log.WithFields(logrus.Fields{"queue": idx, "num": num}).Debugf("queue ready: %v", &vq.Addr)
	return nil
}

// SetCallFD sets the eventfd signalled when buffers are used.
func (d *Device) SetCallFD(idx int, fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vqs[idx].CallFD = fd
}

// SetKickFD sets the eventfd the driver signals after adding buffers.
func (d *Device) SetKickFD(idx int, fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vqs[idx].KickFD = fd
}

// StopQueue stops processing queue idx and returns its next available
// index.
func (d *Device) StopQueue(idx int) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	vq := &d.vqs[idx]
	vq.Ready = false
	return vq.LastAvailIdx
}

func clearSlice(s []byte) {
	for i := range s {
		s[i] = 0
	}
}

// ProcessRequests drains the request queue, returning the number of
// requests completed.
func (d *Device) ProcessRequests() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vq := &d.vqs[RequestQueue]
	count := 0
	for {
		elem, err := vq.popQueue(d.mem)
		if err != nil {
			return count, errors.Wrap(err, "popq")
		}
		if elem == nil {
			break
		}
		for _, e := range elem.Write {
			clearSlice(e)
		}
		if d.Debug {
			for i, e := range elem.Read {
				d.log.WithField("queue", RequestQueue).Debugf("read %d: %x (%d)", i, e, len(e))
			}
		}

		n, err := d.engine.HandleRequest(elem.Read, elem.Write)
		if err != nil {
			d.log.WithField("queue", RequestQueue).WithError(err).Warn("request dropped")
			n = 0
		}
		vq.pushQueue(elem, n)
		count++
	}
	if count > 0 {
		if _, err := vq.queueNotify(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// ReportFault writes f into the next event queue buffer. Faults are
// dropped when the driver has not provided one.
func (d *Device) ReportFault(f *iommu.Fault) {
	rec := FaultRecord{
		Endpoint: uint32(f.Device),
		Address:  f.Address,
		Flags:    FAULT_F_ADDRESS,
	}
	switch f.Reason {
	case iommu.FaultUnknownDevice:
		rec.Reason = FAULT_R_UNKNOWN
	case iommu.FaultUnattached:
		rec.Reason = FAULT_R_DOMAIN
	default:
		rec.Reason = FAULT_R_MAPPING
	}
	if f.Access&iommu.AccessRead != 0 {
		rec.Flags |= FAULT_F_READ
	}
	if f.Access&iommu.AccessWrite != 0 {
		rec.Flags |= FAULT_F_WRITE
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pushEvent(rec.bytes()); err != nil {
		d.dropped.Inc()
		d.log.WithField("queue", EventQueue).WithError(err).Debugf("fault dropped: %v", &rec)
	}
}

func (d *Device) pushEvent(data []byte) error {
	vq := &d.vqs[EventQueue]
	elem, err := vq.popQueue(d.mem)
	if err != nil {
		return err
	}
	if elem == nil {
		return errors.New("no event buffer")
	}
	n := scatter(elem.Write, data)
	if n < len(data) {
		vq.pushQueue(elem, 0)
		vq.queueNotify()
		return errors.Errorf("event buffer of %d bytes too small", n)
	}
	vq.pushQueue(elem, n)
	_, err = vq.queueNotify()
	return err
}

func scatter(bufs [][]byte, data []byte) int {
	n := 0
	for _, b := range bufs {
		c := copy(b, data[n:])
		n += c
		if n == len(data) {
			break
		}
	}
	return n
}

// pollInterval bounds how long Serve takes to notice cancellation.
const pollInterval = 100 * time.Millisecond

// Serve processes requests whenever the driver kicks the request
// queue, until ctx is done. The kick eventfd may be replaced with
// SetKickFD while Serve runs; the old one is only read while it is
// still installed.
func (d *Device) Serve(ctx context.Context) error {
	kick := d.kickFD()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cur := d.kickFD(); cur != kick {
			// Kicks sent to the old eventfd may be lost; drain the
			// queue once to cover them.
			d.log.WithField("queue", RequestQueue).Debugf("kick eventfd %d replaced by %d", kick, cur)
			kick = cur
			if _, err := d.ProcessRequests(); err != nil {
				return err
			}
		}
		if kick <= 0 {
			return errors.New("request queue has no kick eventfd")
		}

		fds := []unix.PollFd{{Fd: int32(kick), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			continue
		}

		d.mu.Lock()
		replaced := d.vqs[RequestQueue].KickFD != kick
		if !replaced {
			_, err = drainEventFD(kick)
		}
		d.mu.Unlock()
		if replaced {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "kick")
		}
		if _, err := d.ProcessRequests(); err != nil {
			return err
		}
	}
}

func (d *Device) kickFD() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vqs[RequestQueue].KickFD
}
