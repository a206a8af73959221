// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/go-viommu/viommu/internal/scenario"
	"github.com/go-viommu/viommu/iommu"
	"github.com/go-viommu/viommu/virtio"
)

// replayCmd implements subcommands.Command for "replay".
type replayCmd struct {
	config    string
	memSize   uint64
	hugepages bool
	metrics   bool
}

func (*replayCmd) Name() string     { return "replay" }
func (*replayCmd) Synopsis() string { return "run driver scripts against fresh engines" }
func (*replayCmd) Usage() string {
	return `replay [flags] <script.yaml>...

Each script runs concurrently on its own engine and guest memory.
`
}

func (c *replayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "device configuration (TOML). Defaults apply if unset.")
	f.Uint64Var(&c.memSize, "mem", 64<<20, "guest memory size in bytes.")
	f.BoolVar(&c.hugepages, "hugepages", false, "back guest memory with a file on hugetlbfs.")
	f.BoolVar(&c.metrics, "metrics", false, "print metrics after the run.")
}

func (c *replayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
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
	g, _ := errgroup.WithContext(ctx)
	for _, path := range f.Args() {
		path := path
		g.Go(func() error {
			return c.replay(cfg, path, prometheus.WrapRegistererWith(prometheus.Labels{"script": filepath.Base(path)}, reg))
		})
	}
	status := subcommands.ExitSuccess
	if err := g.Wait(); err != nil {
		logrus.Error(err)
		status = subcommands.ExitFailure
	}

	if c.metrics {
		if err := dumpMetrics(reg); err != nil {
			logrus.Error(err)
			return subcommands.ExitFailure
		}
	}
	return status
}

func (c *replayCmd) replay(cfg iommu.Config, path string, reg prometheus.Registerer) error {
	s, err := scenario.Load(path)
	if err != nil {
		return err
	}
	log := logrus.WithField("script", s.Name)
	e, err := iommu.New(cfg, &iommu.Options{
		Logger:     log,
		Debug:      logrus.IsLevelEnabled(logrus.DebugLevel),
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	mem, err := c.guestMemory()
	if err != nil {
		return err
	}
	defer mem.Close()

	n, err := (&scenario.Runner{Engine: e, Mem: mem, Log: log}).Run(s)
	if err != nil {
		return errors.Wrap(err, s.Name)
	}
	log.Infof("%d steps ok", n)
	return nil
}

func (c *replayCmd) guestMemory() (*virtio.Memory, error) {
	mem := virtio.NewMemory()
	if !c.hugepages {
		return mem, mem.AddAnonymous(0, c.memSize)
	}

	mounts, err := virtio.HugetlbfsMounts()
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return nil, errors.New("no hugetlbfs mounted")
	}
	f, err := os.CreateTemp(mounts[0], "iommuctl-guest-")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	os.Remove(f.Name())
	if err := f.Truncate(int64(c.memSize)); err != nil {
		return nil, err
	}
	return mem, mem.AddFile(int(f.Fd()), 0, 0, c.memSize)
}

func dumpMetrics(g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}
	return nil
}
