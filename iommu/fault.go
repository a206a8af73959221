// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FaultReason classifies a translation fault.
type FaultReason uint8

const (
	FaultUnknownDevice FaultReason = iota + 1
	FaultUnattached
	FaultNoMapping
	FaultPermission
)

var faultReasonNames = map[FaultReason]string{
	FaultUnknownDevice: "unknown_device",
	FaultUnattached:    "unattached",
	FaultNoMapping:     "no_mapping",
	FaultPermission:    "permission",
}

func (r FaultReason) String() string {
	if n, ok := faultReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("FaultReason(%d)", uint8(r))
}

func (r FaultReason) sentinel() error {
	switch r {
	case FaultUnknownDevice:
		return ErrUnknownDevice
	case FaultUnattached:
		return ErrUnattached
	case FaultNoMapping:
		return ErrNoMapping
	case FaultPermission:
		return ErrPermissionDenied
	}
	return nil
}

// Fault is a denied DMA access. It is returned by Translate and
// passed to the FaultReporter.
type Fault struct {
	Device  DeviceID
	Address uint64
	Access  Access
	Reason  FaultReason
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%v %v at 0x%x: %v", f.Device, f.Access, f.Address, f.sentinel())
}

func (f *Fault) Unwrap() error {
	return f.Reason.sentinel()
}

func (f *Fault) sentinel() error {
	if err := f.Reason.sentinel(); err != nil {
		return err
	}
	return errors.Errorf("fault %d", uint8(f.Reason))
}

// FaultReporter delivers faults to the guest, typically through the
// event queue of the device.
type FaultReporter interface {
	ReportFault(f *Fault)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(f *Fault)

func (fn FaultReporterFunc) ReportFault(f *Fault) {
	fn(f)
}

// SetFaultReporter replaces the reporter given in Options. The device
// model sets it once its event queue exists.
func (e *Engine) SetFaultReporter(r FaultReporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.FaultReporter = r
}

// reportFault must be called without e.mu held.
func (e *Engine) reportFault(f *Fault) {
	e.metrics.faults.WithLabelValues(f.Reason.String()).Inc()
	if e.faultRL.Allow() {
		e.log.WithFields(logrus.Fields{
			"device":  f.Device,
			"address": fmt.Sprintf("0x%x", f.Address),
			"access":  f.Access,
			"reason":  f.Reason,
		}).Warn("translation fault")
	}

	e.mu.Lock()
	r := e.opts.FaultReporter
	e.mu.Unlock()
	if r != nil {
		r.ReportFault(f)
	}
}
