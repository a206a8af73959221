// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/go-viommu/viommu/iommu"
)

// checkConfigCmd implements subcommands.Command for "check-config".
type checkConfigCmd struct{}

func (*checkConfigCmd) Name() string     { return "check-config" }
func (*checkConfigCmd) Synopsis() string { return "validate a device configuration file" }
func (*checkConfigCmd) Usage() string {
	return "check-config <file.toml>\n"
}

func (*checkConfigCmd) SetFlags(*flag.FlagSet) {}

func (*checkConfigCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := iommu.LoadConfig(f.Arg(0))
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}
	e, err := iommu.New(cfg, nil)
	if err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}
	defer e.Close()

	fmt.Printf("stage %v, unmap policy %s, granule 0x%x\n", e.Stage(), cfg.UnmapPolicy, cfg.Granule())
	fmt.Printf("input range [0x%x,0x%x], domains [%d,%d]\n",
		uint64(cfg.InputRange.Start), uint64(cfg.InputRange.End), cfg.DomainRange.Start, cfg.DomainRange.End)
	for _, d := range cfg.Devices {
		regions, err := e.ReservedRegions(d.ID())
		if err != nil {
			logrus.Error(err)
			return subcommands.ExitFailure
		}
		fmt.Printf("device %v: %d reserved regions\n", d.ID(), len(regions))
		for _, r := range regions {
			fmt.Printf("  %v\n", r)
		}
	}
	return subcommands.ExitSuccess
}
