// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtio

import (
	"github.com/pkg/errors"

	"github.com/go-viommu/viommu/iommu"
)

// DMA gives an endpoint behind the IOMMU access to guest memory. Every
// access is translated, so a device can only reach what its domain
// maps.
type DMA struct {
	engine *iommu.Engine
	mem    *Memory
	dev    iommu.DeviceID
}

func NewDMA(engine *iommu.Engine, mem *Memory, dev iommu.DeviceID) *DMA {
	return &DMA{engine: engine, mem: mem, dev: dev}
}

func (d *DMA) Device() iommu.DeviceID {
	return d.dev
}

// do translates one entry at a time and calls fn for each piece of
// guest memory. A piece never extends past the IOVA range of the entry
// that translated it.
func (d *DMA) do(iova uint64, p []byte, access iommu.Access, fn func(seg, p []byte) int) (int, error) {
	n := 0
	for n < len(p) {
		entry, err := d.engine.Translate(d.dev, iova, access)
		if err != nil {
			return n, err
		}
		chunk := entry.Last - iova + 1
		if rest := uint64(len(p) - n); chunk > rest || chunk == 0 {
			chunk = rest
		}
		segs, err := d.mem.Segments(entry.TranslatedAddr, chunk)
		if err != nil {
			return n, errors.Wrapf(err, "iova 0x%x", iova)
		}
		for _, s := range segs {
			n += fn(s, p[n:])
		}
		iova += chunk
	}
	return n, nil
}

// ReadAt reads device memory at iova. Faults are returned as
// *iommu.Fault.
func (d *DMA) ReadAt(p []byte, iova int64) (int, error) {
	return d.do(uint64(iova), p, iommu.AccessRead, func(seg, p []byte) int {
		return copy(p, seg)
	})
}

// WriteAt writes device memory at iova.
func (d *DMA) WriteAt(p []byte, iova int64) (int, error) {
	return d.do(uint64(iova), p, iommu.AccessWrite, func(seg, p []byte) int {
		return copy(seg, p)
	})
}
