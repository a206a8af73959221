// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a repository containing a virtio-iommu device model in Go.
//
// The engine lives in github.com/go-viommu/viommu/iommu. The virtio
// transport is in .../virtio, and .../vhostuser serves it to a VMM
// over a vhost-user socket. example/iommuctl replays driver scripts
// and runs the back-end.
package lib
