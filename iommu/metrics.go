// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands     *prometheus.CounterVec
	translations *prometheus.CounterVec
	faults       *prometheus.CounterVec
	mappings     prometheus.Gauge
	domains      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viommu_commands_total",
				Help: "Requests processed, by request type and returned status.",
			},
			[]string{"type", "status"},
		),
		translations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viommu_translations_total",
				Help: "DMA translations, by result.",
			},
			[]string{"result"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viommu_faults_total",
				Help: "Translation faults, by reason.",
			},
			[]string{"reason"},
		),
		mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viommu_mappings",
			Help: "Mappings currently installed across all domains.",
		}),
		domains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viommu_domains",
			Help: "Domains currently known.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.commands, m.translations, m.faults, m.mappings, m.domains} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

func (m *metrics) command(typ string, err error) {
	m.commands.WithLabelValues(typ, StatusOf(err).String()).Inc()
}
