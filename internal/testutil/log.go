// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// NewLogger returns a logger that writes into the test log when run
// with DEBUG=1, and discards otherwise. The hook records every entry
// regardless.
func NewLogger(t testing.TB) (*logrus.Logger, *test.Hook) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		// For test, the date is irrelevant, but microseconds are.
		TimestampFormat: "15:04:05.000000",
		FullTimestamp:   true,
	})
	if VerboseTest() {
		l.SetOutput(testWriter{t})
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetOutput(io.Discard)
	}
	return l, test.NewLocal(l)
}
