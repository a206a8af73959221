// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iommu

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/go-viommu/viommu/intervalmap"
)

// DefaultProbeSize is the size of the property buffer returned for
// PROBE requests.
const DefaultProbeSize = 512

// Addr is a 64-bit address that can be written in a config file
// either as an integer or as a string, so the full range fits.
type Addr uint64

func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return err
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(a))), nil
}

// AddrRange is an inclusive address range.
type AddrRange struct {
	Start Addr `toml:"start"`
	End   Addr `toml:"end"`
}

func (r AddrRange) interval() intervalmap.Interval {
	return intervalmap.Interval{Start: uint64(r.Start), Last: uint64(r.End)}
}

// IDRange is an inclusive range of domain IDs.
type IDRange struct {
	Start uint32 `toml:"start"`
	End   uint32 `toml:"end"`
}

func (r IDRange) Contains(id DomainID) bool {
	return uint32(id) >= r.Start && uint32(id) <= r.End
}

// Window is a fixed host translation used by the stage-2 setup.
type Window struct {
	Start Addr   `toml:"start"`
	End   Addr   `toml:"end"`
	Phys  Addr   `toml:"phys"`
	Flags string `toml:"flags"`
}

// ReservedConfig describes a reserved region in the config file.
type ReservedConfig struct {
	Start Addr   `toml:"start"`
	End   Addr   `toml:"end"`
	Type  string `toml:"type"`
}

// DeviceConfig declares an endpoint known at startup.
type DeviceConfig struct {
	Bus      uint8            `toml:"bus"`
	Devfn    uint8            `toml:"devfn"`
	Reserved []ReservedConfig `toml:"reserved"`
}

func (c DeviceConfig) ID() DeviceID {
	return PCIDevice(c.Bus, c.Devfn)
}

func (c DeviceConfig) regions() ([]ReservedRegion, error) {
	var r []ReservedRegion
	for _, rc := range c.Reserved {
		st, err := ParseResvSubtype(rc.Type)
		if err != nil {
			return nil, err
		}
		r = append(r, ReservedRegion{
			Start:   uint64(rc.Start),
			End:     uint64(rc.End),
			Subtype: st,
		})
	}
	return r, nil
}

const (
	UnmapStrict = "strict"
	UnmapSplit  = "split"
)

// Config holds the device properties. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// PageSizeMask has a bit set for every supported page size.
	PageSizeMask Addr `toml:"page_size_mask"`

	// InputRange bounds the IOVAs a driver may map.
	InputRange AddrRange `toml:"input_range"`

	DomainRange IDRange `toml:"domain_range"`

	ProbeSize uint32 `toml:"probe_size"`

	// Bypass lets unknown or unattached devices access memory
	// untranslated.
	Bypass bool `toml:"bypass"`

	// Stage selects "stage1", "stage2" or "bypass".
	Stage string `toml:"stage"`

	Stage2 []Window `toml:"stage2"`

	// UnmapPolicy is "strict" (refuse to split mappings) or "split".
	UnmapPolicy string `toml:"unmap_policy"`

	Devices []DeviceConfig `toml:"device"`
}

func DefaultConfig() Config {
	return Config{
		PageSizeMask: Addr(^uint64(0xfff)),
		InputRange:   AddrRange{Start: 0, End: math.MaxUint64},
		DomainRange:  IDRange{Start: 0, End: math.MaxUint32},
		ProbeSize:    DefaultProbeSize,
		Stage:        StageNameStage1,
		UnmapPolicy:  UnmapStrict,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, errors.Wrapf(err, "decode %s", path)
	}
	if err := c.Validate(); err != nil {
		return c, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Granule is the smallest supported page size.
func (c *Config) Granule() uint64 {
	return uint64(1) << bits.TrailingZeros64(uint64(c.PageSizeMask))
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	if c.PageSizeMask == 0 {
		return errors.Wrap(ErrConfig, "page_size_mask is empty")
	}
	if !c.InputRange.interval().Valid() {
		return errors.Wrapf(ErrConfig, "input_range %v is empty", c.InputRange.interval())
	}
	if c.DomainRange.Start > c.DomainRange.End {
		return errors.Wrapf(ErrConfig, "domain_range [%d,%d] is empty", c.DomainRange.Start, c.DomainRange.End)
	}
	if c.ProbeSize < propHeaderSize {
		return errors.Wrapf(ErrConfig, "probe_size %d cannot hold a terminator", c.ProbeSize)
	}
	if c.UnmapPolicy != UnmapStrict && c.UnmapPolicy != UnmapSplit {
		return errors.Wrapf(ErrConfig, "unknown unmap_policy %q", c.UnmapPolicy)
	}
	if _, err := ParseStage(c.Stage, c.Stage2); err != nil {
		return err
	}

	seen := map[DeviceID]bool{}
	for _, d := range c.Devices {
		if seen[d.ID()] {
			return errors.Wrapf(ErrConfig, "device %v declared twice", d.ID())
		}
		seen[d.ID()] = true
		regions, err := d.regions()
		if err != nil {
			return errors.Wrapf(ErrConfig, "device %v: %v", d.ID(), err)
		}
		if _, err := newReservedMap(regions); err != nil {
			return errors.Wrapf(ErrConfig, "device %v: %v", d.ID(), err)
		}
	}
	return nil
}
