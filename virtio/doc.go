// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtio is the virtqueue transport of the virtio-iommu
// device: guest memory, split rings, the request and event queues,
// and DMA accessors for endpoints that sit behind the IOMMU.
package virtio
