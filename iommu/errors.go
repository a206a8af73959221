// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Command errors. They are returned wrapped; use errors.Is.
var (
	ErrNotFound    = errors.New("no such domain or device")
	ErrInvalid     = errors.New("invalid request")
	ErrRange       = errors.New("out of range")
	ErrNoSpace     = errors.New("insufficient buffer space")
	ErrUnsupported = errors.New("unsupported request")
	ErrTransport   = errors.New("malformed request")
)

// Translation fault classes, reachable from a *Fault with errors.Is.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnattached       = errors.New("device not attached to a domain")
	ErrNoMapping        = errors.New("no mapping")
	ErrPermissionDenied = errors.New("permission denied")
)

// ErrConfig marks configuration problems that must stop the device
// from starting.
var ErrConfig = errors.New("invalid configuration")

// Status is the status byte of a request tail.
type Status uint8

const (
	StatusOK     Status = 0
	StatusIOErr  Status = 1
	StatusUnsupp Status = 2
	StatusDevErr Status = 3
	StatusInval  Status = 4
	StatusRange  Status = 5
	StatusNoEnt  Status = 6
	StatusFault  Status = 7
	StatusNoMem  Status = 8
)

var statusNames = map[Status]string{
	StatusOK:     "OK",
	StatusIOErr:  "IOERR",
	StatusUnsupp: "UNSUPP",
	StatusDevErr: "DEVERR",
	StatusInval:  "INVAL",
	StatusRange:  "RANGE",
	StatusNoEnt:  "NOENT",
	StatusFault:  "FAULT",
	StatusNoMem:  "NOMEM",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", name)
}

// StatusOf maps an error returned by a command to the status reported
// to the driver.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNoEnt
	case errors.Is(err, ErrInvalid):
		return StatusInval
	case errors.Is(err, ErrRange):
		return StatusRange
	case errors.Is(err, ErrNoSpace):
		return StatusNoMem
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupp
	default:
		return StatusDevErr
	}
}
