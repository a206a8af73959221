// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iommu implements the state machine of a paravirtualized
// IOMMU: protection domains, the devices attached to them, the
// mappings the guest driver installs, and the translation of device
// DMA addresses through those mappings.
//
// The guest driver talks to the Engine through requests (ATTACH,
// DETACH, MAP, UNMAP and PROBE) that are either decoded from virtqueue
// buffers by HandleRequest or issued directly through the
// corresponding methods. Device models call Translate for every DMA
// access. Shadow translation caches register a Notifier per device to
// follow the mappings that device can see.
//
// All state is guarded by one mutex per Engine. A request holds it for
// its full duration, notifier calls included, so a translation always
// observes the effect of every request that completed before it
// started.
package iommu
