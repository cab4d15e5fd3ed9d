// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/intel-go/nff-graph/common"
)

// Values of engine stop flag.
const (
	process     = 1
	stopRequest = 2
	wasStopped  = 9
)

// RunOnce makes one iteration of engine main loop:
//
//	mailbox -> timers -> pre-input nodes -> input nodes ->
//	interrupts -> pending frames -> process starts -> process restores
//
// It returns false when nothing was done, so loop can sleep.
func (e *Engine) RunOnce() bool {
	e.mainLoopCount.Add(1)
	busy := false

	if e.mailbox.Drain(e.handleMessage) > 0 {
		busy = true
	}
	if e.expireTimers() {
		busy = true
	}

	for _, rt := range e.byType[NodePreInput] {
		if rt.state == NodePolling {
			e.dispatchNode(rt, nil)
		}
	}
	for _, rt := range e.byType[NodeInput] {
		if rt.state == NodePolling {
			e.dispatchNode(rt, nil)
		}
	}

	if len(e.interrupts) > 0 {
		busy = true
		interrupts := e.interrupts
		e.interrupts = e.interruptsNext[:0]
		for _, node := range interrupts {
			rt := e.runtime(node)
			rt.interruptPending = false
			if rt.state != NodeDisabled && rt.function != nil {
				e.dispatchNode(rt, nil)
			}
		}
		e.interruptsNext = interrupts[:0]
	}

	if len(e.pending) > 0 {
		busy = true
		for i := 0; i < len(e.pending); i++ {
			p := e.pending[i]
			e.pending[i] = pendingFrame{}
			rt := e.runtime(p.node)
			if rt.state == NodeDisabled || rt.function == nil {
				common.LogDebug(common.Verbose, "Drop frame of", p.frame.Len(), "items to", rt.Node.Name)
				e.graph.freeItems(p.frame)
			} else {
				e.dispatchNode(rt, p.frame)
			}
			e.freeFrame(p.frame)
		}
		e.pending = e.pending[:0]
	}

	if len(e.startQueue) > 0 {
		busy = true
		queue := e.startQueue
		e.startQueue = nil
		for _, p := range queue {
			e.resumeProcess(p, ResumeStart)
		}
	}

	if len(e.restore) > 0 {
		busy = true
		for i := 0; i < len(e.restore); i++ {
			r := e.restore[i]
			e.restore[i] = restoreEntry{}
			p := r.process
			switch r.reason {
			case ResumeEvent:
				p.eventResumePending = false
				if p.isWaitingForEvent() {
					e.resumeProcess(p, ResumeEvent)
				}
			case ResumeYield:
				if p.state == ProcessYield {
					e.resumeProcess(p, ResumeYield)
				}
			}
		}
	}
	e.restore, e.restoreNext = e.restoreNext, e.restore[:0]

	return busy
}

// dispatchNode calls node function, flushes frames it produced and
// updates its statistics.
func (e *Engine) dispatchNode(rt *NodeRuntime, f *Frame) uint32 {
	start := e.clock.Now()
	var n uint32
	if e.wrapper != nil {
		n = e.wrapper(e, rt, f, rt.function)
	} else {
		n = rt.function(e, rt, f)
	}
	e.flushNextFrames(rt)
	rt.calls.Add(1)
	rt.vectors.Add(uint64(n))
	rt.clocks.Add(uint64(e.clock.Now() - start))
	rt.updateVectorStats(e.mainLoopCount.Load(), n)
	return n
}

func (e *Engine) hasWork() bool {
	return len(e.interrupts) > 0 || len(e.pending) > 0 || len(e.startQueue) > 0 ||
		len(e.restore) > 0 || e.mailbox.Len() > 0
}

func (e *Engine) hasPollingNodes() bool {
	for _, t := range [...]NodeType{NodePreInput, NodeInput} {
		for _, rt := range e.byType[t] {
			if rt.state == NodePolling {
				return true
			}
		}
	}
	return false
}

// Run is engine main loop. It returns when ctx is cancelled or Stop is
// called.
func (e *Engine) Run(ctx context.Context) error {
	barrier := e.graph.barrier
	e.barrierID = barrier.Join(e.Wake)
	defer barrier.Leave(e.barrierID)
	atomic.StoreInt32(&e.stopFlag, process)
	defer atomic.StoreInt32(&e.stopFlag, wasStopped)

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	common.LogDebug(common.Initialization, "Start loop of", e.name)
	for atomic.LoadInt32(&e.stopFlag) == process {
		barrier.Check(e.barrierID)
		busy := e.RunOnce()
		if busy || e.polling || e.hasWork() || e.hasPollingNodes() {
			if ctx.Err() != nil {
				break
			}
			continue
		}

		sleep := e.maxIdleSleep
		if ticks, ok := e.wheel.NextExpiry(); ok {
			if d := time.Duration(ticks) * e.tick; d < sleep {
				sleep = d
			}
		}
		idle.Reset(sleep)
		select {
		case <-ctx.Done():
		case <-e.wake:
		case <-idle.C:
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	common.LogDebug(common.Initialization, "Stop loop of", e.name, "after", e.MainLoopCount(), "iterations")
	return nil
}

// Stop asks engine loop to return.
func (e *Engine) Stop() {
	atomic.CompareAndSwapInt32(&e.stopFlag, process, stopRequest)
	e.Wake()
}

// Wake interrupts idle sleep of engine loop. It can be called from any
// goroutine.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
