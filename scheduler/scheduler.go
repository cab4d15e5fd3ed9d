// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler distributes engine loops between cores. Every loop
// runs on its own goroutine locked to an OS thread and, if cores were
// given, pinned to one of them.
package scheduler

import (
	"context"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/internal/low"
)

// WorkerFunction is a body of worker loop. It must return when ctx
// is cancelled.
type WorkerFunction func(ctx context.Context) error

type core struct {
	id     int
	isfree bool
}

// Scheduler owns the set of cores and the goroutines running on them.
type Scheduler struct {
	mu      sync.Mutex
	cores   []core
	pinned  bool
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	workers []string
}

// NewScheduler creates scheduler for given cpu list. Empty list means
// that loops are not pinned and their number is not limited.
func NewScheduler(cpus []int) *Scheduler {
	scheduler := new(Scheduler)
	scheduler.cores = make([]core, len(cpus), len(cpus))
	for i, cpu := range cpus {
		scheduler.cores[i] = core{id: cpu, isfree: true}
	}
	scheduler.pinned = len(cpus) != 0
	return scheduler
}

// Start prepares scheduler for workers. Cancelling ctx stops them all.
func (scheduler *Scheduler) Start(ctx context.Context) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	scheduler.ctx, scheduler.cancel = context.WithCancel(ctx)
	scheduler.group, scheduler.ctx = errgroup.WithContext(scheduler.ctx)
}

func (scheduler *Scheduler) getCore() (int, error) {
	if !scheduler.pinned {
		return -1, nil
	}
	for i := range scheduler.cores {
		if scheduler.cores[i].isfree {
			scheduler.cores[i].isfree = false
			return scheduler.cores[i].id, nil
		}
	}
	return 0, common.WrapWithNFError(nil, "requested number of cores isn't enough", common.NotEnoughCores)
}

func (scheduler *Scheduler) setCoreFree(id int) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	for i := range scheduler.cores {
		if scheduler.cores[i].id == id {
			scheduler.cores[i].isfree = true
		}
	}
}

// StartWorker takes free core and runs fn there. Error of the first
// failed worker cancels all others and is returned by Wait.
func (scheduler *Scheduler) StartWorker(name string, fn WorkerFunction) error {
	scheduler.mu.Lock()
	if scheduler.group == nil {
		scheduler.mu.Unlock()
		return common.WrapWithNFError(nil, "scheduler isn't started", common.Fail)
	}
	core, err := scheduler.getCore()
	if err != nil {
		scheduler.mu.Unlock()
		return err
	}
	scheduler.workers = append(scheduler.workers, name)
	ctx := scheduler.ctx
	scheduler.mu.Unlock()

	scheduler.group.Go(func() error {
		common.LogDebug(common.Initialization, "Start", name, "at", coreName(core), "core")
		if core >= 0 {
			defer scheduler.setCoreFree(core)
			if err := low.SetAffinity(core); err != nil {
				return err
			}
		} else {
			runtime.LockOSThread()
		}
		err := fn(ctx)
		common.LogDebug(common.Initialization, "Stop", name)
		return err
	})
	return nil
}

// FreeCores returns number of cores which can still be used by StartWorker,
// -1 means unlimited.
func (scheduler *Scheduler) FreeCores() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if !scheduler.pinned {
		return -1
	}
	n := 0
	for i := range scheduler.cores {
		if scheduler.cores[i].isfree {
			n++
		}
	}
	return n
}

// Workers returns names of started workers.
func (scheduler *Scheduler) Workers() []string {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return append([]string(nil), scheduler.workers...)
}

// Stop cancels all workers, Wait should be used to join them.
func (scheduler *Scheduler) Stop() {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.cancel != nil {
		scheduler.cancel()
	}
}

// Wait blocks until all workers return and reports the first error.
func (scheduler *Scheduler) Wait() error {
	scheduler.mu.Lock()
	group := scheduler.group
	scheduler.mu.Unlock()
	if group == nil {
		return nil
	}
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func coreName(id int) string {
	if id < 0 {
		return "any"
	}
	return strconv.Itoa(id)
}
