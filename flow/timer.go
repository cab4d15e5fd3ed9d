// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"time"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/internal/wheel"
)

// Kinds of timer wheel payloads, kind is kept in the high byte.
const (
	timerSchedNode uint64 = iota + 1
	timerProcessResume
	timerTimedEvent

	timerKindShift = 56
	timerIndexMask = 1<<timerKindShift - 1
)

func timerPayload(kind uint64, index uint32) uint64 {
	return kind<<timerKindShift | uint64(index)
}

// timedEvent is an event waiting in timer wheel. Up to two data
// elements are kept inline.
type timedEvent struct {
	process uint32
	opaque  uint64
	n       int
	inline  [2]uint64
	data    []uint64
}

// startTimer starts wheel timer which fires not earlier than dt from now.
func (e *Engine) startTimer(payload uint64, dt time.Duration) wheel.Handle {
	deadline := uint64((e.clock.Now() + dt + e.tick - 1) / e.tick)
	var interval uint64
	if now := e.wheel.Now(); deadline > now {
		interval = deadline - now
	}
	return e.wheel.Start(payload, interval)
}

func (e *Engine) expireTimers() bool {
	e.expired = e.wheel.Expire(e.nowTicks(), e.expired[:0])
	for _, payload := range e.expired {
		index := uint32(payload & timerIndexMask)
		switch payload >> timerKindShift {
		case timerSchedNode:
			rt := e.runtime(index)
			rt.stopTimer = 0
			e.SetInterruptPending(index)
		case timerProcessResume:
			p := e.runtime(index).process
			p.timer = 0
			if p.state == ProcessSuspended || p.state == ProcessWaitForEventOrClock {
				e.resumeProcess(p, ResumeClock)
			}
		case timerTimedEvent:
			te := e.timedEvents[index]
			e.timedEvents[index] = timedEvent{}
			e.freeTimedEvent = append(e.freeTimedEvent, index)
			data := te.data
			if data == nil {
				data = te.inline[:te.n]
			}
			e.SignalEvent(te.process, te.opaque, data...)
		}
	}
	return len(e.expired) > 0
}

// ScheduleNode makes dispatcher call node after dt as if interrupt was
// set for it. Node can't be scheduled twice.
func (e *Engine) ScheduleNode(node uint32, dt time.Duration) {
	rt := e.runtime(node)
	if rt.Node.Type == NodeProcess {
		common.Panicf(common.WrongNodeType, "schedule of process %s, use Suspend instead", rt.Node.Name)
	}
	if !e.wheel.HandleIsFree(rt.stopTimer) {
		common.Panicf(common.NodeAlreadyScheduled, "node %s is already scheduled", rt.Node.Name)
	}
	rt.stopTimer = e.startTimer(timerPayload(timerSchedNode, node), dt)
}

// UnscheduleNode cancels ScheduleNode if its timer hasn't fired yet.
func (e *Engine) UnscheduleNode(node uint32) {
	rt := e.runtime(node)
	if !e.wheel.HandleIsFree(rt.stopTimer) {
		e.wheel.Stop(rt.stopTimer)
	}
	rt.stopTimer = 0
}

// NodeIsScheduled reports whether node waits for ScheduleNode timer.
func (e *Engine) NodeIsScheduled(node uint32) bool {
	return !e.wheel.HandleIsFree(e.runtime(node).stopTimer)
}

// SignalEventAtTime signals event of process after dt. Signals with dt
// shorter than one tick are delivered at once.
func (e *Engine) SignalEventAtTime(dt time.Duration, process uint32, opaque uint64, data ...uint64) {
	e.mustProcess(process)
	if dt < e.tick {
		e.SignalEvent(process, opaque, data...)
		return
	}
	te := timedEvent{process: process, opaque: opaque, n: len(data)}
	if len(data) <= len(te.inline) {
		copy(te.inline[:], data)
	} else {
		te.data = append([]uint64(nil), data...)
	}
	var index uint32
	if n := len(e.freeTimedEvent); n > 0 {
		index = e.freeTimedEvent[n-1]
		e.freeTimedEvent = e.freeTimedEvent[:n-1]
		e.timedEvents[index] = te
	} else {
		index = uint32(len(e.timedEvents))
		e.timedEvents = append(e.timedEvents, te)
	}
	e.startTimer(timerPayload(timerTimedEvent, index), dt)
}
