// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scenario replays scripted driver sessions against an engine.
// Commands go through the request codec, as they would when coming
// from a virtqueue.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/go-viommu/viommu/iommu"
	"github.com/go-viommu/viommu/virtio"
)

// Step operations.
const (
	OpAttach    = "attach"
	OpDetach    = "detach"
	OpMap       = "map"
	OpUnmap     = "unmap"
	OpProbe     = "probe"
	OpTranslate = "translate"
	OpRead      = "read"
	OpWrite     = "write"
)

// Script is a named list of steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scripted action. Which fields matter depends on Op.
type Step struct {
	Op     string `yaml:"op"`
	Domain uint32 `yaml:"domain"`
	Device uint32 `yaml:"device"`

	// Start and End bound a map request, inclusive. Unmap uses Start
	// and Size.
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
	Size  uint64 `yaml:"size"`
	Phys  uint64 `yaml:"phys"`
	Flags string `yaml:"flags"`

	// Addr and Access describe a translation or DMA access.
	Addr   uint64 `yaml:"addr"`
	Access string `yaml:"access"`

	// Data is written by write steps and expected by read steps.
	Data string `yaml:"data"`

	// Expect is a status name for commands ("OK", "NOENT", ...), and
	// "ok" or a fault reason for translations and DMA. Empty means
	// success.
	Expect string `yaml:"expect"`

	// Want is the expected translated address.
	Want *uint64 `yaml:"want"`

	// Regions are the expected reserved regions of a probe, as
	// printed by iommu.ReservedRegion.
	Regions []string `yaml:"regions"`
}

func (s *Step) String() string {
	switch s.Op {
	case OpAttach:
		return fmt.Sprintf("attach %d to domain %d", s.Device, s.Domain)
	case OpDetach:
		return fmt.Sprintf("detach %d", s.Device)
	case OpMap:
		return fmt.Sprintf("map domain %d [0x%x,0x%x] -> 0x%x %s", s.Domain, s.Start, s.End, s.Phys, s.Flags)
	case OpUnmap:
		return fmt.Sprintf("unmap domain %d [0x%x,+0x%x)", s.Domain, s.Start, s.Size)
	case OpProbe:
		return fmt.Sprintf("probe %d", s.Device)
	}
	return fmt.Sprintf("%s %d at 0x%x", s.Op, s.Device, s.Addr)
}

// Parse decodes a YAML script.
func Parse(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode script")
	}
	for i := range s.Steps {
		switch s.Steps[i].Op {
		case OpAttach, OpDetach, OpMap, OpUnmap, OpProbe, OpTranslate, OpRead, OpWrite:
		default:
			return nil, errors.Errorf("step %d: unknown op %q", i, s.Steps[i].Op)
		}
	}
	return &s, nil
}

// Load reads a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

// StepError reports the first step whose outcome differed from its
// expectation.
type StepError struct {
	Index int
	Step  *Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%v): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Runner executes scripts.
type Runner struct {
	Engine *iommu.Engine

	// Mem is the guest memory for read and write steps.
	Mem *virtio.Memory

	Log logrus.FieldLogger
}

// Run executes the steps of s in order and stops at the first
// unexpected outcome. It returns the number of steps executed.
func (r *Runner) Run(s *Script) (int, error) {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("script", s.Name)
	for i := range s.Steps {
		st := &s.Steps[i]
		got, err := r.step(st)
		if err != nil {
			return i, &StepError{Index: i, Step: st, Err: err}
		}
		log.WithField("step", i).Debugf("%v: %s", st, got)
	}
	return len(s.Steps), nil
}

func (r *Runner) step(st *Step) (string, error) {
	switch st.Op {
	case OpTranslate:
		return r.translate(st)
	case OpRead, OpWrite:
		return r.dma(st)
	}

	req, err := st.request()
	if err != nil {
		return "", err
	}
	out := make([]byte, r.Engine.ResponseSize(req.Type()))
	n, err := r.Engine.HandleRequest([][]byte{iommu.EncodeRequest(req)}, [][]byte{out})
	if err != nil {
		return "", err
	}
	status := iommu.Status(out[n-4])
	want := iommu.StatusOK
	if st.Expect != "" {
		if want, err = iommu.ParseStatus(st.Expect); err != nil {
			return "", err
		}
	}
	if status != want {
		return status.String(), errors.Errorf("status %v, want %v", status, want)
	}
	if st.Op == OpProbe && status == iommu.StatusOK {
		if err := checkRegions(out[:n-4], st.Regions); err != nil {
			return status.String(), err
		}
	}
	return status.String(), nil
}

func (st *Step) request() (iommu.Request, error) {
	switch st.Op {
	case OpAttach:
		return &iommu.AttachRequest{Domain: iommu.DomainID(st.Domain), Device: iommu.DeviceID(st.Device)}, nil
	case OpDetach:
		return &iommu.DetachRequest{Device: iommu.DeviceID(st.Device)}, nil
	case OpMap:
		flags, err := iommu.ParseMapFlags(st.Flags)
		if err != nil {
			return nil, err
		}
		return &iommu.MapRequest{
			Domain:    iommu.DomainID(st.Domain),
			VirtStart: st.Start,
			VirtEnd:   st.End,
			Phys:      st.Phys,
			Flags:     flags,
		}, nil
	case OpUnmap:
		return &iommu.UnmapRequest{Domain: iommu.DomainID(st.Domain), VirtStart: st.Start, Size: st.Size}, nil
	case OpProbe:
		return &iommu.ProbeRequest{Device: iommu.DeviceID(st.Device)}, nil
	}
	return nil, errors.Errorf("op %q is not a request", st.Op)
}

func checkRegions(buf []byte, want []string) error {
	props, err := iommu.ParseProperties(buf)
	if err != nil {
		return err
	}
	var got []string
	for _, p := range props {
		if r, ok := p.ReservedRegion(); ok {
			got = append(got, r.String())
		}
	}
	if strings.Join(got, "; ") != strings.Join(want, "; ") {
		return errors.Errorf("regions %q, want %q", got, want)
	}
	return nil
}

// outcome renders the result of an access: "ok" or the fault reason.
func outcome(err error) (string, error) {
	if err == nil {
		return "ok", nil
	}
	var f *iommu.Fault
	if errors.As(err, &f) {
		return f.Reason.String(), nil
	}
	return "", err
}

func expectOutcome(st *Step, got string) error {
	want := st.Expect
	if want == "" {
		want = "ok"
	}
	if got != want {
		return errors.Errorf("got %s, want %s", got, want)
	}
	return nil
}

func (r *Runner) translate(st *Step) (string, error) {
	access, err := iommu.ParseAccess(st.Access)
	if err != nil {
		return "", err
	}
	entry, err := r.Engine.Translate(iommu.DeviceID(st.Device), st.Addr, access)
	got, err := outcome(err)
	if err != nil {
		return "", err
	}
	if err := expectOutcome(st, got); err != nil {
		return got, err
	}
	if st.Want != nil && entry.TranslatedAddr != *st.Want {
		return got, errors.Errorf("translated to 0x%x, want 0x%x", entry.TranslatedAddr, *st.Want)
	}
	return fmt.Sprintf("%s %v", got, entry), nil
}

func (r *Runner) dma(st *Step) (string, error) {
	if r.Mem == nil {
		return "", errors.New("no guest memory for DMA steps")
	}
	d := virtio.NewDMA(r.Engine, r.Mem, iommu.DeviceID(st.Device))
	var err error
	buf := []byte(st.Data)
	if st.Op == OpWrite {
		_, err = d.WriteAt(buf, int64(st.Addr))
	} else {
		buf = make([]byte, len(st.Data))
		_, err = d.ReadAt(buf, int64(st.Addr))
	}
	got, err := outcome(err)
	if err != nil {
		return "", err
	}
	if err := expectOutcome(st, got); err != nil {
		return got, err
	}
	if st.Op == OpRead && got == "ok" && string(buf) != st.Data {
		return got, errors.Errorf("read %q, want %q", buf, st.Data)
	}
	return got, nil
}
