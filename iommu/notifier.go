// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-viommu/viommu/intervalmap"
)

// Event describes a mapping change seen by one device. Phys and Flags
// are zero for unmap events.
type Event struct {
	Device DeviceID
	Virt   intervalmap.Interval
	Phys   uint64
	Flags  MapFlags
}

// Size is the length of the affected range. It is 0 for the full
// 64-bit range.
func (ev Event) Size() uint64 {
	return ev.Virt.Size()
}

func (ev Event) String() string {
	if ev.Flags == 0 && ev.Phys == 0 {
		return fmt.Sprintf("%v: %v", ev.Device, ev.Virt)
	}
	return fmt.Sprintf("%v: %v -> 0x%x %v", ev.Device, ev.Virt, ev.Phys, ev.Flags)
}

func mapEvent(dev DeviceID, iv intervalmap.Interval, m mapping) Event {
	return Event{Device: dev, Virt: iv, Phys: m.phys, Flags: m.flags}
}

func unmapEvent(dev DeviceID, iv intervalmap.Interval) Event {
	return Event{Device: dev, Virt: iv}
}

// Notifier replicates the mappings visible to a device into a shadow
// translation cache, e.g. a host IOMMU programmed for a passthrough
// device.
//
// Notifiers are called with the engine lock held and must not call
// back into the engine.
type Notifier interface {
	NotifyMap(ev Event)
	NotifyUnmap(ev Event)
}

// RegisterNotifier adds n to the notifiers of dev. The device need not
// exist yet. Call Replay to bring n up to date with an existing
// attachment.
func (e *Engine) RegisterNotifier(dev DeviceID, n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers[dev] = append(e.notifiers[dev], n)
}

// UnregisterNotifier removes n. It reports whether n was registered.
func (e *Engine) UnregisterNotifier(dev DeviceID, n Notifier) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns := e.notifiers[dev]
	for i, o := range ns {
		if o == n {
			ns = append(ns[:i], ns[i+1:]...)
			if len(ns) == 0 {
				delete(e.notifiers, dev)
			} else {
				e.notifiers[dev] = ns
			}
			return true
		}
	}
	return false
}

// Replay resynchronises the notifiers of dev: every mapping of its
// domain is sent as an unmap followed by a map. A device without a
// domain has nothing to replay.
func (e *Engine) Replay(dev DeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[dev]
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %v", dev)
	}
	ns := e.notifiers[dev]
	if d.domain == nil || len(ns) == 0 {
		return nil
	}
	d.domain.mappings.Ascend(func(iv intervalmap.Interval, m mapping) bool {
		for _, n := range ns {
			n.NotifyUnmap(unmapEvent(dev, iv))
			n.NotifyMap(mapEvent(dev, iv, m))
		}
		return true
	})
	if e.opts.Debug {
		e.log.WithField("device", dev).Debugf("replayed %d mappings", d.domain.mappings.Len())
	}
	return nil
}

// notifyLocked fans an event out to the notifiers of every device
// attached to as.
func (e *Engine) notifyLocked(as *domain, iv intervalmap.Interval, m *mapping) {
	for _, d := range as.devices {
		for _, n := range e.notifiers[d.id] {
			if m != nil {
				n.NotifyMap(mapEvent(d.id, iv, *m))
			} else {
				n.NotifyUnmap(unmapEvent(d.id, iv))
			}
		}
	}
}
