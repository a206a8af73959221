// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-viommu/viommu/intervalmap"
)

// domain is a guest address space. Its mappings are shared by the
// registry and every attached device; refs counts those holders and
// the mappings are released when it drops to zero.
type domain struct {
	id       DomainID
	mappings *intervalmap.Map[mapping]

	// devices in attach order. Back-references only.
	devices []*device

	refs int
}

func (as *domain) String() string {
	return fmt.Sprintf("domain %d (%d devices, %d mappings, refs %d)",
		as.id, len(as.devices), as.mappings.Len(), as.refs)
}

func (as *domain) removeDevice(d *device) {
	for i, o := range as.devices {
		if o == d {
			as.devices = append(as.devices[:i], as.devices[i+1:]...)
			return
		}
	}
}

func (e *Engine) getOrCreateDomainLocked(id DomainID) *domain {
	if as, ok := e.domains[id]; ok {
		return as
	}
	as := &domain{
		id:       id,
		mappings: intervalmap.New[mapping](),
		refs:     1,
	}
	e.domains[id] = as
	e.metrics.domains.Inc()
	if e.opts.Debug {
		e.log.WithField("domain", id).Debug("domain created")
	}
	return as
}

func (e *Engine) decRefLocked(as *domain) {
	as.refs--
	if as.refs > 0 {
		return
	}
	e.metrics.mappings.Sub(float64(as.mappings.Len()))
	as.mappings.Clear()
	if e.opts.Debug {
		e.log.WithField("domain", as.id).Debug("domain released")
	}
}

// dropDomainLocked removes the registry's hold on as.
func (e *Engine) dropDomainLocked(as *domain) {
	if e.domains[as.id] != as {
		return
	}
	delete(e.domains, as.id)
	e.metrics.domains.Dec()
	e.decRefLocked(as)
}

// DestroyDomain detaches every device of the domain, notifying their
// shadows of the removed mappings, and removes it.
func (e *Engine) DestroyDomain(id DomainID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	as, ok := e.domains[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "domain %d", id)
	}
	for len(as.devices) > 0 {
		e.detachLocked(as.devices[0], false)
	}
	e.dropDomainLocked(as)
	e.log.WithFields(logrus.Fields{"domain": id}).Info("domain destroyed")
	return nil
}
