// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package low

import (
	"runtime"

	"github.com/intel-go/nff-graph/common"
)

// SetAffinity locks calling goroutine to its OS thread. Pinning to core
// is supported on Linux only.
func SetAffinity(coreID int) error {
	runtime.LockOSThread()
	return nil
}

// AllowedCPUs returns all cores known to Go runtime.
func AllowedCPUs() ([]int, error) {
	return common.GetDefaultCPUs(runtime.NumCPU()), nil
}
