// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// iommuctl replays driver scripts against the IOMMU engine, checks
// device configuration files and serves the device over vhost-user.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "print debugging messages.")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&replayCmd{}, "")
	subcommands.Register(&checkConfigCmd{}, "")
	subcommands.Register(&serveCmd{}, "")

	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}
