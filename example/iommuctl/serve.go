// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/go-viommu/viommu/iommu"
	"github.com/go-viommu/viommu/vhostuser"
	"github.com/go-viommu/viommu/virtio"
)

// serveCmd implements subcommands.Command for "serve".
type serveCmd struct {
	config  string
	socket  string
	metrics string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the device as a vhost-user back-end" }
func (*serveCmd) Usage() string {
	return `serve [flags] -socket <path>

Listens on a unix socket for a vhost-user front-end and serves one
connection at a time until interrupted.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "device configuration (TOML). Defaults apply if unset.")
	f.StringVar(&c.socket, "socket", "", "vhost-user socket path.")
	f.StringVar(&c.metrics, "metrics", "", "address for the prometheus handler, eg. localhost:9100.")
}

func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.socket == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := iommu.DefaultConfig()
	if c.config != "" {
		var err error
		if cfg, err = iommu.LoadConfig(c.config); err != nil {
			logrus.Error(err)
			return subcommands.ExitFailure
		}
	}

	reg := prometheus.NewRegistry()
	log := logrus.WithField("socket", c.socket)
	e, err := iommu.New(cfg, &iommu.Options{Logger: log, Registerer: reg})
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	defer e.Close()
	mem := virtio.NewMemory()
	defer mem.Close()
	dev, err := virtio.NewDevice(e, mem, &virtio.DeviceOptions{Logger: log, Debug: *debug, Registerer: reg})
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	if c.metrics != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(c.metrics, nil); err != nil {
				log.WithError(err).Warn("metrics handler stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	os.Remove(c.socket)
	err = vhostuser.ListenAndServe(ctx, c.socket, dev, mem, log)
	os.Remove(c.socket)
	if err != nil && ctx.Err() == nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
