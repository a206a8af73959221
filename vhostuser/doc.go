// Copyright 2024 the Go-VIOMMU Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vhostuser runs the virtio-iommu device as a vhost-user
// back-end, so a VMM such as QEMU can attach it through a unix socket.
//
// The front-end shares guest memory with ADD_MEM_REG and sets up the
// request and event queues. Requests are then processed as the guest
// kicks the request queue.
package vhostuser
