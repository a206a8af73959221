// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-viommu/viommu/intervalmap"
)

type device struct {
	id     DeviceID
	domain *domain

	reserved *intervalmap.Map[ResvSubtype]
}

func newReservedMap(regions []ReservedRegion) (*intervalmap.Map[ResvSubtype], error) {
	m := intervalmap.New[ResvSubtype]()
	for _, r := range regions {
		iv := intervalmap.Interval{Start: r.Start, Last: r.End}
		if !iv.Valid() {
			return nil, errors.Errorf("reserved region %v is empty", iv)
		}
		if err := m.Insert(iv, r.Subtype); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (e *Engine) getOrCreateDeviceLocked(id DeviceID) *device {
	if d, ok := e.devices[id]; ok {
		return d
	}
	d := &device{
		id:       id,
		reserved: intervalmap.New[ResvSubtype](),
	}
	e.devices[id] = d
	if e.opts.Debug {
		e.log.WithField("device", id).Debug("device created")
	}
	return d
}

// AddDevice makes a device known to the engine, as done by the device
// model when an endpoint behind the IOMMU appears. Reserved regions
// are added to those already declared.
func (e *Engine) AddDevice(id DeviceID, reserved ...ReservedRegion) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	add, err := newReservedMap(reserved)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "device %v: %v", id, err)
	}
	d := e.getOrCreateDeviceLocked(id)
	var insertErr error
	add.Ascend(func(iv intervalmap.Interval, st ResvSubtype) bool {
		insertErr = d.reserved.Insert(iv, st)
		return insertErr == nil
	})
	if insertErr != nil {
		return errors.Wrapf(ErrInvalid, "device %v: %v", id, insertErr)
	}
	return nil
}

// ReservedRegions returns the reserved regions of a device.
func (e *Engine) ReservedRegions(id DeviceID) ([]ReservedRegion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "device %v", id)
	}
	var r []ReservedRegion
	d.reserved.Ascend(func(iv intervalmap.Interval, st ResvSubtype) bool {
		r = append(r, ReservedRegion{Start: iv.Start, End: iv.Last, Subtype: st})
		return true
	})
	return r, nil
}

func (e *Engine) attachLocked(dom DomainID, id DeviceID) error {
	if !e.cfg.DomainRange.Contains(dom) {
		return errors.Wrapf(ErrRange, "domain %d outside [%d,%d]", dom, e.cfg.DomainRange.Start, e.cfg.DomainRange.End)
	}

	d := e.getOrCreateDeviceLocked(id)
	if d.domain != nil {
		if d.domain.id == dom {
			return nil
		}
		e.detachLocked(d, true)
	}

	as := e.getOrCreateDomainLocked(dom)
	as.devices = append(as.devices, d)
	as.refs++
	d.domain = as

	// Bring shadows of the device up to date with the new domain.
	if ns := e.notifiers[id]; len(ns) > 0 {
		as.mappings.Ascend(func(iv intervalmap.Interval, m mapping) bool {
			ev := mapEvent(id, iv, m)
			for _, n := range ns {
				n.NotifyMap(ev)
			}
			return true
		})
	}
	e.log.WithFields(logrus.Fields{"device": id, "domain": dom}).Debug("attached")
	return nil
}

// detachLocked unmaps every mapping from the device's shadows and
// drops its domain reference. With evict, a domain left without
// devices is removed from the registry.
func (e *Engine) detachLocked(d *device, evict bool) {
	as := d.domain
	if ns := e.notifiers[d.id]; len(ns) > 0 {
		as.mappings.Ascend(func(iv intervalmap.Interval, _ mapping) bool {
			ev := unmapEvent(d.id, iv)
			for _, n := range ns {
				n.NotifyUnmap(ev)
			}
			return true
		})
	}
	as.removeDevice(d)
	d.domain = nil
	e.decRefLocked(as)
	if evict && len(as.devices) == 0 {
		e.dropDomainLocked(as)
	}
	e.log.WithFields(logrus.Fields{"device": d.id, "domain": as.id}).Debug("detached")
}
