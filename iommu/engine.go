// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/go-viommu/viommu/intervalmap"
)

// Options are the runtime knobs of an Engine that are not part of the
// device properties.
type Options struct {
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Debug logs every request and its status.
	Debug bool

	// FaultReporter receives translation faults. It is called
	// without the engine lock held.
	FaultReporter FaultReporter

	// Registerer receives the engine metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// FaultLogInterval limits fault log lines to one per interval.
	// Zero means one per second.
	FaultLogInterval time.Duration
}

// Engine holds the domains, devices and notifier registrations of one
// IOMMU instance. All state is guarded by a single mutex, which
// commands hold for their whole duration, including notifier calls.
type Engine struct {
	opts    Options
	log     logrus.FieldLogger
	faultRL *rate.Limiter
	metrics *metrics

	mu      sync.Mutex
	cfg     Config
	stage   Stage
	split   intervalmap.Splitter[mapping]
	domains map[DomainID]*domain
	devices map[DeviceID]*device

	// notifiers are keyed by the device whose mappings they shadow.
	notifiers map[DeviceID][]Notifier
}

// New validates cfg and returns an engine with the devices it
// declares. Errors wrap ErrConfig and must stop device startup.
func New(cfg Config, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stage, err := ParseStage(cfg.Stage, cfg.Stage2)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      *opts,
		log:       opts.Logger,
		metrics:   m,
		cfg:       cfg,
		stage:     stage,
		domains:   map[DomainID]*domain{},
		devices:   map[DeviceID]*device{},
		notifiers: map[DeviceID][]Notifier{},
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	every := opts.FaultLogInterval
	if every == 0 {
		every = time.Second
	}
	e.faultRL = rate.NewLimiter(rate.Every(every), 1)
	if cfg.UnmapPolicy == UnmapSplit {
		e.split = splitMapping
	}

	for _, dc := range cfg.Devices {
		regions, err := dc.regions()
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "device %v: %v", dc.ID(), err)
		}
		if err := e.AddDevice(dc.ID(), regions...); err != nil {
			return nil, err
		}
	}
	e.log.WithFields(logrus.Fields{
		"stage":   stage,
		"granule": cfg.Granule(),
		"bypass":  cfg.Bypass,
		"unmap":   cfg.UnmapPolicy,
	}).Info("iommu engine ready")
	return e, nil
}

// Config returns the current device properties.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Stage returns the translation setup.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// SetPageSizeMask restricts the supported page sizes to those the
// host side also supports. An empty intersection is a fatal setup
// error and leaves the mask unchanged.
func (e *Engine) SetPageSizeMask(hostMask uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := uint64(e.cfg.PageSizeMask) & hostMask
	if m == 0 {
		return errors.Wrapf(ErrConfig, "no page size in common between guest mask 0x%x and host mask 0x%x",
			uint64(e.cfg.PageSizeMask), hostMask)
	}
	e.cfg.PageSizeMask = Addr(m)
	e.log.WithField("page_size_mask", m).Debug("page size mask restricted")
	return nil
}

// Close detaches every device and releases all domains.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range e.devices {
		if d.domain != nil {
			e.detachLocked(d, false)
		}
	}
	e.devices = map[DeviceID]*device{}
	for _, as := range e.domains {
		e.dropDomainLocked(as)
	}
	e.notifiers = map[DeviceID][]Notifier{}
}

// Domains lists the known domain IDs in ascending order.
func (e *Engine) Domains() []DomainID {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := make([]DomainID, 0, len(e.domains))
	for id := range e.domains {
		r = append(r, id)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Mappings returns the mappings of a domain in address order.
func (e *Engine) Mappings(dom DomainID) ([]Mapping, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	as, ok := e.domains[dom]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "domain %d", dom)
	}
	var r []Mapping
	as.mappings.Ascend(func(iv intervalmap.Interval, m mapping) bool {
		r = append(r, Mapping{Virt: iv, Phys: m.phys, Flags: m.flags})
		return true
	})
	return r, nil
}

// DeviceDomain reports the domain a device is attached to.
func (e *Engine) DeviceDomain(dev DeviceID) (DomainID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[dev]
	if !ok || d.domain == nil {
		return 0, false
	}
	return d.domain.id, true
}

// DomainDevices lists the devices attached to a domain in attach
// order.
func (e *Engine) DomainDevices(dom DomainID) ([]DeviceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	as, ok := e.domains[dom]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "domain %d", dom)
	}
	r := make([]DeviceID, 0, len(as.devices))
	for _, d := range as.devices {
		r = append(r, d.id)
	}
	return r, nil
}
