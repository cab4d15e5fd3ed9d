// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package low

import (
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/intel-go/nff-graph/common"
)

// cpuSetSize is CPU_SETSIZE of glibc, capacity of unix.CPUSet.
const cpuSetSize = 1024

// SetAffinity locks calling goroutine to its OS thread and pins
// this thread to given core.
func SetAffinity(coreID int) error {
	// Each engine loop is a goroutine which must stay on one OS thread,
	// otherwise pinning affects somebody else.
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return common.WrapWithNFError(err, "failed to set affinity to core "+strconv.Itoa(coreID), common.SetAffinityErr)
	}
	return nil
}

// AllowedCPUs returns cores the calling thread may run on.
func AllowedCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, common.WrapWithNFError(err, "failed to get affinity", common.SetAffinityErr)
	}
	cpus := make([]int, 0, set.Count())
	for i := 0; i < cpuSetSize && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
