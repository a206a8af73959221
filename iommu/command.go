// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-viommu/viommu/intervalmap"
)

// done records the outcome of a command. It is called with e.mu held.
func (e *Engine) done(typ string, fields logrus.Fields, err error) error {
	e.metrics.command(typ, err)
	if e.opts.Debug {
		fields["status"] = StatusOf(err)
		l := e.log.WithFields(fields)
		if err != nil {
			l = l.WithError(err)
		}
		l.Debugf("rx %s", typ)
	}
	return err
}

// Attach attaches dev to dom, creating either if needed. A device
// attached elsewhere is detached first.
func (e *Engine) Attach(dom DomainID, dev DeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.attachLocked(dom, dev)
	return e.done(reqNameAttach, logrus.Fields{"domain": dom, "device": dev}, err)
}

// Detach detaches dev from its domain. The domain is evicted once its
// last device has left.
func (e *Engine) Detach(dev DeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done(reqNameDetach, logrus.Fields{"device": dev}, e.detach(dev))
}

func (e *Engine) detach(dev DeviceID) error {
	d, ok := e.devices[dev]
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %v", dev)
	}
	if d.domain == nil {
		return errors.Wrapf(ErrInvalid, "device %v is not attached", dev)
	}
	e.detachLocked(d, true)
	return nil
}

// Map installs virt -> phys in dom and notifies every device attached
// to it. The domain is created if it does not exist yet.
func (e *Engine) Map(dom DomainID, virt intervalmap.Interval, phys uint64, flags MapFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.mapLocked(dom, virt, phys, flags)
	return e.done(reqNameMap, logrus.Fields{
		"domain": dom,
		"virt":   virt,
		"phys":   phys,
		"flags":  flags,
	}, err)
}

func (e *Engine) mapLocked(dom DomainID, virt intervalmap.Interval, phys uint64, flags MapFlags) error {
	if !virt.Valid() {
		return errors.Wrapf(ErrInvalid, "virtual range %v is empty", virt)
	}
	if flags&^(MapRW|MapMMIO) != 0 {
		return errors.Wrapf(ErrInvalid, "unknown map flags 0x%x", uint32(flags))
	}
	if !e.cfg.InputRange.interval().Covers(virt) {
		return errors.Wrapf(ErrRange, "%v outside input range %v", virt, e.cfg.InputRange.interval())
	}
	if virt.Last-virt.Start > ^uint64(0)-phys {
		return errors.Wrapf(ErrInvalid, "physical range at 0x%x for %v overflows", phys, virt)
	}
	if !e.cfg.DomainRange.Contains(dom) {
		return errors.Wrapf(ErrRange, "domain %d outside [%d,%d]", dom, e.cfg.DomainRange.Start, e.cfg.DomainRange.End)
	}

	as := e.getOrCreateDomainLocked(dom)
	m := mapping{phys: phys, flags: flags}
	if err := as.mappings.Insert(virt, m); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	e.metrics.mappings.Inc()
	e.notifyLocked(as, virt, &m)
	return nil
}

// Unmap removes [start, start+size) from dom. With the strict policy,
// a mapping that would have to be split stops the walk with an
// ErrRange error; mappings removed before that point stay removed.
func (e *Engine) Unmap(dom DomainID, start, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.unmapLocked(dom, start, size)
	return e.done(reqNameUnmap, logrus.Fields{
		"domain": dom,
		"start":  start,
		"size":   size,
	}, err)
}

func (e *Engine) unmapLocked(dom DomainID, start, size uint64) error {
	as, ok := e.domains[dom]
	if !ok {
		return errors.Wrapf(ErrNotFound, "domain %d", dom)
	}
	if size == 0 {
		return errors.Wrap(ErrInvalid, "unmap of zero bytes")
	}

	before := as.mappings.Len()
	err := as.mappings.RemoveRange(intervalmap.Range(start, size), e.split, func(iv intervalmap.Interval, _ mapping) {
		e.notifyLocked(as, iv, nil)
	})
	e.metrics.mappings.Add(float64(as.mappings.Len() - before))

	var re *intervalmap.RangeError
	if errors.As(err, &re) {
		return errors.Wrap(ErrRange, re.Error())
	}
	return err
}
