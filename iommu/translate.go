// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

const (
	resultOK     = "ok"
	resultBypass = "bypass"
	resultFault  = "fault"
)

// Translate resolves a DMA access of mode access by dev at iova. On a
// fault the returned entry has Perm AccessNone and the error is a
// *Fault, which has already been reported.
func (e *Engine) Translate(dev DeviceID, iova uint64, access Access) (TLBEntry, error) {
	e.mu.Lock()
	entry, result, f := e.translateLocked(dev, iova, access)
	e.mu.Unlock()

	e.metrics.translations.WithLabelValues(result).Inc()
	if f != nil {
		e.reportFault(f)
		return entry, f
	}
	if e.opts.Debug {
		e.log.WithField("device", dev).Debugf("translate %v", entry)
	}
	return entry, nil
}

func (e *Engine) translateLocked(dev DeviceID, iova uint64, access Access) (TLBEntry, string, *Fault) {
	entry := TLBEntry{
		IOVA:           iova,
		TranslatedAddr: iova,
		AddrMask:       e.cfg.Granule() - 1,
		Perm:           AccessNone,
	}
	entry.Last = iova | entry.AddrMask
	fault := func(r FaultReason) (TLBEntry, string, *Fault) {
		return entry, resultFault, &Fault{Device: dev, Address: iova, Access: access, Reason: r}
	}
	passthrough := func() (TLBEntry, string, *Fault) {
		entry.Perm = AccessRW
		return entry, resultBypass, nil
	}

	switch s := e.stage.(type) {
	case Bypass:
		return passthrough()
	case Stage2:
		iv, w, ok := s.lookup(iova)
		if !ok {
			return fault(FaultNoMapping)
		}
		if !w.flags.Allows(access) {
			return fault(FaultPermission)
		}
		entry.TranslatedAddr = iova - iv.Start + w.phys
		entry.Last = iv.Last
		entry.Perm = w.flags.Perm()
		return entry, resultOK, nil
	}

	d, ok := e.devices[dev]
	if !ok {
		if e.cfg.Bypass {
			return passthrough()
		}
		return fault(FaultUnknownDevice)
	}
	if d.domain == nil {
		if e.cfg.Bypass {
			return passthrough()
		}
		return fault(FaultUnattached)
	}
	iv, m, ok := d.domain.mappings.LookupPoint(iova)
	if !ok {
		return fault(FaultNoMapping)
	}
	if !m.flags.Allows(access) {
		return fault(FaultPermission)
	}
	entry.TranslatedAddr = iova - iv.Start + m.phys
	entry.Last = iv.Last
	entry.Perm = m.flags.Perm()
	return entry, resultOK, nil
}
