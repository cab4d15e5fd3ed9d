// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"github.com/intel-go/nff-graph/common"
)

type eventType struct {
	opaque  uint64
	gen     uint32
	free    bool
	oneTime bool
}

// anyEventType is awaited type of process which waits for any event.
const anyEventType = ^uint32(0)

// OneTimeEvent is a handle of one time event type. It carries type index
// and its generation, so handle of released type never becomes valid
// again when the type is reused.
type OneTimeEvent uint64

func makeOneTimeEvent(t uint32, gen uint32) OneTimeEvent {
	return OneTimeEvent(uint64(gen)<<32 | uint64(t))
}

func (h OneTimeEvent) index() uint32 { return uint32(h) }
func (h OneTimeEvent) gen() uint32   { return uint32(h >> 32) }

// newEventType takes type from free list or grows the pool.
func (p *Process) newEventType(opaque uint64, oneTime bool) uint32 {
	var t uint32
	if n := len(p.freeTypes); n > 0 {
		t = p.freeTypes[n-1]
		p.freeTypes = p.freeTypes[:n-1]
	} else {
		t = uint32(len(p.types))
		p.types = append(p.types, eventType{})
		p.pendingData = append(p.pendingData, nil)
	}
	p.types[t] = eventType{opaque: opaque, gen: p.types[t].gen, oneTime: oneTime}
	if oneTime {
		p.oneTime.Set(uint(t))
	} else {
		p.typeByOpaque[opaque] = t
	}
	return t
}

func (p *Process) findOrCreateType(opaque uint64) uint32 {
	if t, ok := p.typeByOpaque[opaque]; ok {
		return t
	}
	return p.newEventType(opaque, false)
}

func (p *Process) checkType(t uint32) {
	if int(t) >= len(p.types) || p.types[t].free {
		common.Panicf(common.EventTypeIsFree, "event type %d of process %s is free", t, p.Name())
	}
}

// checkOneTime returns type index of valid one time event handle.
func (p *Process) checkOneTime(h OneTimeEvent) uint32 {
	t := h.index()
	p.checkType(t)
	if p.types[t].gen != h.gen() {
		common.Panicf(common.EventTypeIsFree, "one time event %d of process %s was released", t, p.Name())
	}
	if !p.types[t].oneTime {
		common.Panicf(common.EventTypeNotOneTime, "event type %d of process %s is not one time", t, p.Name())
	}
	return t
}

func (p *Process) freeEventType(t uint32) {
	p.checkType(t)
	et := &p.types[t]
	if et.oneTime {
		p.oneTime.Clear(uint(t))
	} else {
		delete(p.typeByOpaque, et.opaque)
	}
	et.free = true
	et.gen++
	p.nonEmpty.Clear(uint(t))
	if data := p.pendingData[t]; data != nil {
		p.pendingData[t] = nil
		p.engine.PutEventData(data)
	}
	p.freeTypes = append(p.freeTypes, t)
}

// takeEventData appends pending data of type t to buf and clears it.
func (p *Process) takeEventData(t uint32, buf []uint64) []uint64 {
	buf = append(buf, p.pendingData[t]...)
	p.pendingData[t] = p.pendingData[t][:0]
	p.nonEmpty.Clear(uint(t))
	return buf
}

// GetEvents takes data of the lowest pending event type and appends it
// to buf. ok is false when no events are pending. One time event type
// is released.
func (p *Process) GetEvents(buf []uint64) (opaque uint64, data []uint64, ok bool) {
	p.checkCurrent()
	t, ok := p.nonEmpty.NextSet(0)
	if !ok {
		return 0, buf, false
	}
	opaque = p.types[t].opaque
	data = p.takeEventData(uint32(t), buf)
	if p.types[t].oneTime {
		p.freeEventType(uint32(t))
	}
	return opaque, data, true
}

// GetEventsWithType takes pending data of event with opaque key and
// appends it to buf. ok is false when such event isn't pending.
func (p *Process) GetEventsWithType(opaque uint64, buf []uint64) (data []uint64, ok bool) {
	p.checkCurrent()
	t, found := p.typeByOpaque[opaque]
	if !found || !p.nonEmpty.Test(uint(t)) {
		return buf, false
	}
	return p.takeEventData(t, buf), true
}

// GetEventData hands over data vector of the lowest pending event type
// without copying. Caller should give it back with Engine.PutEventData.
func (p *Process) GetEventData() (opaque uint64, data []uint64, ok bool) {
	p.checkCurrent()
	t, ok := p.nonEmpty.NextSet(0)
	if !ok {
		return 0, nil, false
	}
	opaque = p.types[t].opaque
	data = p.pendingData[t]
	p.pendingData[t] = p.engine.takeEventBuffer()
	p.nonEmpty.Clear(t)
	if p.types[t].oneTime {
		p.freeEventType(uint32(t))
	}
	return opaque, data, true
}

// PutEventData gives data vector back for reuse.
func (e *Engine) PutEventData(data []uint64) {
	if cap(data) == 0 {
		return
	}
	e.eventDataFree = append(e.eventDataFree, data[:0])
}

func (e *Engine) takeEventBuffer() []uint64 {
	n := len(e.eventDataFree)
	if n == 0 {
		return nil
	}
	data := e.eventDataFree[n-1]
	e.eventDataFree[n-1] = nil
	e.eventDataFree = e.eventDataFree[:n-1]
	return data
}

// signalEventHelper appends n data elements to pending data of event
// type t and returns them for caller to fill. Waiting process is put on
// restore list once.
func (e *Engine) signalEventHelper(p *Process, t uint32, n int) []uint64 {
	data := p.pendingData[t]
	if data == nil {
		data = e.takeEventBuffer()
	}
	l := len(data)
	for cap(data) < l+n {
		data = append(data[:cap(data)], 0)
	}
	data = data[:l+n]
	p.pendingData[t] = data
	p.nonEmpty.Set(uint(t))

	if p != e.current && !p.eventResumePending && p.isWaitingForEvent() &&
		(p.waitType == anyEventType || p.waitType == t) {
		p.eventResumePending = true
		e.restore = append(e.restore, restoreEntry{process: p, reason: ResumeEvent})
		if p.state == ProcessWaitForEventOrClock && !e.wheel.HandleIsFree(p.timer) {
			e.wheel.Stop(p.timer)
			p.timer = 0
		}
	}
	return data[l:]
}

func (e *Engine) checkMain() {
	if !e.IsMain() {
		common.Panicf(common.WrongEngine, "events are signalled in %s, use SignalEventMT", e.name)
	}
}

// SignalEventData signals event with opaque key to process and returns
// n data elements for caller to fill.
func (e *Engine) SignalEventData(process uint32, opaque uint64, n int) []uint64 {
	e.checkMain()
	p := e.mustProcess(process)
	return e.signalEventHelper(p, p.findOrCreateType(opaque), n)
}

// SignalEvent signals event with opaque key and data to process.
func (e *Engine) SignalEvent(process uint32, opaque uint64, data ...uint64) {
	copy(e.SignalEventData(process, opaque, len(data)), data)
}

// CreateOneTimeEvent creates event type of process which is released
// after its data is taken.
func (e *Engine) CreateOneTimeEvent(process uint32, opaque uint64) OneTimeEvent {
	e.checkMain()
	p := e.mustProcess(process)
	t := p.newEventType(opaque, true)
	return makeOneTimeEvent(t, p.types[t].gen)
}

// DeleteOneTimeEvent releases one time event type which wasn't taken.
func (e *Engine) DeleteOneTimeEvent(process uint32, h OneTimeEvent) {
	e.checkMain()
	p := e.mustProcess(process)
	p.freeEventType(p.checkOneTime(h))
}

// SignalOneTimeEvent signals one time event h of process.
func (e *Engine) SignalOneTimeEvent(process uint32, h OneTimeEvent, data ...uint64) {
	e.checkMain()
	p := e.mustProcess(process)
	t := p.checkOneTime(h)
	copy(e.signalEventHelper(p, t, len(data)), data)
}

// SignalEventMT signals event from any engine. Signals from not main
// engines are passed to main engine as RPC.
func (e *Engine) SignalEventMT(process uint32, opaque uint64, data ...uint64) {
	if e.IsMain() {
		e.SignalEvent(process, opaque, data...)
		return
	}
	e.graph.SignalEventMT(process, opaque, data...)
}

// SignalEventMT signals event to process from any goroutine. Event is
// delivered by main engine loop.
func (g *Graph) SignalEventMT(process uint32, opaque uint64, data ...uint64) {
	data = append([]uint64(nil), data...)
	g.Main().RPC(func(e *Engine) {
		e.SignalEvent(process, opaque, data...)
	})
}

type eventValue struct {
	v    interface{}
	used bool
}

func (e *Engine) putEventValue(v interface{}) uint64 {
	var i uint32
	if n := len(e.freeValues); n > 0 {
		i = e.freeValues[n-1]
		e.freeValues = e.freeValues[:n-1]
	} else {
		i = uint32(len(e.eventValues))
		e.eventValues = append(e.eventValues, eventValue{})
	}
	e.eventValues[i] = eventValue{v: v, used: true}
	return uint64(i)
}

// SignalEventPointer signals event with opaque key whose data element
// refers to v. Process takes v with TakeEventPointer, every signalled
// value must be taken once.
func (e *Engine) SignalEventPointer(process uint32, opaque uint64, v interface{}) {
	e.checkMain()
	p := e.mustProcess(process)
	e.signalEventHelper(p, p.findOrCreateType(opaque), 1)[0] = e.putEventValue(v)
}

// TakeEventPointer returns value of data element got from event signalled
// with SignalEventPointer.
func (e *Engine) TakeEventPointer(ref uint64) interface{} {
	if ref >= uint64(len(e.eventValues)) || !e.eventValues[ref].used {
		common.Panicf(common.BadArgument, "event data %d doesn't refer to signalled value", ref)
	}
	v := e.eventValues[ref].v
	e.eventValues[ref] = eventValue{}
	e.freeValues = append(e.freeValues, uint32(ref))
	return v
}

// SignalEventPointerMT is SignalEventPointer for any goroutine.
func (g *Graph) SignalEventPointerMT(process uint32, opaque uint64, v interface{}) {
	g.Main().RPC(func(e *Engine) {
		e.SignalEventPointer(process, opaque, v)
	})
}

// waitingProcessEvent is opaque key of one time events of WaitingProcesses.
const waitingProcessEvent = ^uint64(0)

type waitingProcess struct {
	node  uint32
	event OneTimeEvent
}

// WaitingProcesses is a set of processes parked on one condition. Zero
// value is an empty set.
type WaitingProcesses struct {
	waiting []waitingProcess
}

// WaitOneTime parks process p until SignalAll is called. p must be the
// current process.
func (w *WaitingProcesses) WaitOneTime(p *Process) {
	p.checkCurrent()
	h := p.engine.CreateOneTimeEvent(p.Node(), waitingProcessEvent)
	w.waiting = append(w.waiting, waitingProcess{node: p.Node(), event: h})
	p.WaitForOneTimeEvent(h, nil)
}

// SignalAll resumes every parked process and empties the set. It
// returns the number of signalled processes.
func (w *WaitingProcesses) SignalAll(e *Engine) int {
	e.checkMain()
	waiting := w.waiting
	w.waiting = nil
	for _, wp := range waiting {
		e.SignalOneTimeEvent(wp.node, wp.event)
	}
	return len(waiting)
}

// Len returns number of parked processes.
func (w *WaitingProcesses) Len() int {
	return len(w.waiting)
}
