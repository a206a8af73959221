// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-viommu/viommu/intervalmap"
)

// ErrUnsupportedStage is returned for stage combinations the engine
// cannot translate.
var ErrUnsupportedStage = errors.WithMessage(ErrConfig, "unsupported translation stages")

const (
	StageNameStage1 = "stage1"
	StageNameStage2 = "stage2"
	StageNameBypass = "bypass"
)

// Stage selects how device addresses are translated. It is one of
// Stage1, Stage2 or Bypass.
type Stage interface {
	isStage()
	String() string
}

// Stage1 translates through the domain tables programmed by the guest.
type Stage1 struct{}

// Stage2 translates through fixed host windows. Guest commands still
// update domains but do not affect DMA.
type Stage2 struct {
	windows *intervalmap.Map[mapping]
}

// Bypass performs no translation for any device.
type Bypass struct{}

func (Stage1) isStage() {}
func (Stage2) isStage() {}
func (Bypass) isStage() {}

func (Stage1) String() string { return StageNameStage1 }
func (Stage2) String() string { return StageNameStage2 }
func (Bypass) String() string { return StageNameBypass }

func (s Stage2) lookup(addr uint64) (intervalmap.Interval, mapping, bool) {
	return s.windows.LookupPoint(addr)
}

// ParseStage builds the Stage named by name. Names may be joined with
// '+'; the only combinations accepted are single stages. Stage 2 needs
// at least one window.
func ParseStage(name string, windows []Window) (Stage, error) {
	parts := map[string]bool{}
	for _, p := range strings.Split(name, "+") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		switch p {
		case StageNameStage1, StageNameStage2, StageNameBypass:
			parts[p] = true
		default:
			return nil, errors.Wrapf(ErrUnsupportedStage, "unknown stage %q", p)
		}
	}
	if len(parts) != 1 {
		return nil, errors.Wrapf(ErrUnsupportedStage, "stage %q", name)
	}

	switch {
	case parts[StageNameStage1]:
		return Stage1{}, nil
	case parts[StageNameBypass]:
		return Bypass{}, nil
	}

	if len(windows) == 0 {
		return nil, errors.Wrap(ErrUnsupportedStage, "stage2 without windows")
	}
	s := Stage2{windows: intervalmap.New[mapping]()}
	for _, w := range windows {
		flags, err := ParseMapFlags(w.Flags)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "stage2 window: %v", err)
		}
		iv := intervalmap.Interval{Start: uint64(w.Start), Last: uint64(w.End)}
		if !iv.Valid() {
			return nil, errors.Wrapf(ErrConfig, "stage2 window %v is empty", iv)
		}
		if err := s.windows.Insert(iv, mapping{phys: uint64(w.Phys), flags: flags}); err != nil {
			var oe *intervalmap.OverlapError
			if errors.As(err, &oe) {
				return nil, errors.Wrapf(ErrConfig, "stage2 windows: %v", oe)
			}
			return nil, err
		}
	}
	return s, nil
}
