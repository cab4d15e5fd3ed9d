// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package common is used for combining common functions from other packages:
// logging, error codes and CPU list handling.
package common

import (
	"runtime"
	"strconv"
)

// GetDefaultCPUs returns default core list {0, 1, ..., cpuNumber-1}
func GetDefaultCPUs(cpuNumber int) []int {
	cpus := make([]int, cpuNumber, cpuNumber)
	for i := 0; i < cpuNumber; i++ {
		cpus[i] = i
	}
	return cpus
}

// ParseCPUs parses cpu list string like "1,3-5" into array of cpu numbers.
// Duplicates and cpus absent on this machine are dropped, and the list
// is truncated according to given coresNumber.
func ParseCPUs(s string, coresNumber int) ([]int, error) {
	nums, err := parseCPUs(s)
	if err != nil {
		return nil, err
	}
	nums = dropInvalidCPUs(removeDuplicates(nums), runtime.NumCPU())
	if coresNumber > 0 && len(nums) > coresNumber {
		return nums[:coresNumber], nil
	}
	return nums, nil
}

func parseCPUs(s string) ([]int, error) {
	var startRange, k int
	nums := make([]int, 0, 256)
	if s == "" {
		return nums, nil
	}
	startRange = -1
	var err error
	for i, j := 0, 0; i <= len(s); i++ {
		if i != len(s) && s[i] == '-' {
			startRange, err = strconv.Atoi(s[j:i])
			if err != nil {
				return nums, WrapWithNFError(err, "failed to parse cpu list "+strconv.Quote(s), ParseCPUListErr)
			}
			j = i + 1
		}

		if i == len(s) || s[i] == ',' {
			r, err := strconv.Atoi(s[j:i])
			if err != nil {
				return nums, WrapWithNFError(err, "failed to parse cpu list "+strconv.Quote(s), ParseCPUListErr)
			}
			if startRange != -1 {
				if startRange > r {
					return nums, WrapWithNFError(nil, "CPU range is invalid, min should not exceed max", InvalidCPURangeErr)
				}
				for k = startRange; k <= r; k++ {
					nums = append(nums, k)
				}
				startRange = -1
			} else {
				nums = append(nums, r)
			}
			if i == len(s) {
				break
			}
			j = i + 1
		}
	}
	return nums, nil
}

func dropInvalidCPUs(nums []int, maxcpu int) []int {
	i := 0
	for _, x := range nums {
		if x < maxcpu {
			nums[i] = x
			i++
		} else {
			LogWarning(Initialization, "Requested cpu", x, "exceeds maximum cores number on machine, skip it")
		}
	}
	return nums[:i]
}

func removeDuplicates(array []int) []int {
	result := []int{}
	seen := map[int]bool{}
	for _, val := range array {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = true
		}
	}
	return result
}
