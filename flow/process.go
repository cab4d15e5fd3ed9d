// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"runtime"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/internal/wheel"
)

// ProcessFunction is a body of process. Process is finished when
// function returns.
type ProcessFunction func(e *Engine, p *Process)

// ProcessState is a state of cooperative process.
type ProcessState uint8

// Process states.
const (
	ProcessNotStarted ProcessState = iota
	ProcessRunning
	ProcessSuspended
	ProcessYield
	ProcessWaitForEvent
	ProcessWaitForEventOrClock
	ProcessWaitForOneTimeEvent
	ProcessExited
)

var processStateNames = [...]string{
	ProcessNotStarted:          "not started",
	ProcessRunning:             "running",
	ProcessSuspended:           "suspended",
	ProcessYield:               "yield",
	ProcessWaitForEvent:        "wait for event",
	ProcessWaitForEventOrClock: "wait for event or clock",
	ProcessWaitForOneTimeEvent: "wait for one time event",
	ProcessExited:              "exited",
}

func (s ProcessState) String() string {
	if int(s) < len(processStateNames) {
		return processStateNames[s]
	}
	return "unknown"
}

// ResumeReason tells process why it was resumed.
type ResumeReason uint8

const (
	// ResumeImmediate means that process wasn't suspended at all.
	ResumeImmediate ResumeReason = iota
	// ResumeStart is the reason of the first run.
	ResumeStart
	// ResumeClock means that process timer expired.
	ResumeClock
	// ResumeEvent means that event was signalled.
	ResumeEvent
	// ResumeYield means that process got its turn after Yield.
	ResumeYield
)

type processReturnKind uint8

const (
	processReturnSuspend processReturnKind = iota
	processReturnExit
	processReturnPanic
)

type processReturn struct {
	kind  processReturnKind
	value interface{}
}

// Process is a cooperative task of main engine. It has its own stack,
// a goroutine, but it never runs together with engine: engine passes
// control to process and waits until process suspends.
type Process struct {
	engine *Engine
	rt     *NodeRuntime
	fn     ProcessFunction
	state  ProcessState

	resume chan ResumeReason
	ret    chan processReturn

	timer              wheel.Handle
	wakeupTime         time.Duration
	eventResumePending bool
	// Event type whose signal resumes waiting process.
	waitType uint32

	// Event types.
	types        []eventType
	freeTypes    []uint32
	typeByOpaque map[uint64]uint32
	pendingData  [][]uint64
	nonEmpty     *bitset.BitSet
	oneTime      *bitset.BitSet
}

func newProcess(e *Engine, rt *NodeRuntime) *Process {
	p := &Process{
		engine:       e,
		rt:           rt,
		fn:           rt.Node.process,
		waitType:     anyEventType,
		resume:       make(chan ResumeReason),
		ret:          make(chan processReturn, 1),
		typeByOpaque: make(map[uint64]uint32),
		nonEmpty:     bitset.New(0),
		oneTime:      bitset.New(0),
	}
	go p.main()
	return p
}

func (p *Process) main() {
	if _, ok := <-p.resume; !ok {
		return
	}
	ret := processReturn{kind: processReturnExit}
	func() {
		defer func() {
			if r := recover(); r != nil {
				ret = processReturn{kind: processReturnPanic, value: r}
			}
		}()
		p.fn(p.engine, p)
	}()
	p.ret <- ret
}

// CreateProcess registers process node. Process starts in the next
// iteration of main engine loop.
func (g *Graph) CreateProcess(name string, fn ProcessFunction) (uint32, error) {
	return g.RegisterNode(&NodeRegistration{Name: name, Type: NodeProcess, Process: fn})
}

// Node returns node index of process.
func (p *Process) Node() uint32 {
	return p.rt.Node.Index
}

// Name returns process name.
func (p *Process) Name() string {
	return p.rt.Node.Name
}

// State returns current process state.
func (p *Process) State() ProcessState {
	return p.state
}

// Engine returns engine which runs the process.
func (p *Process) Engine() *Engine {
	return p.engine
}

// CurrentProcess returns process which is running now or nil.
func (e *Engine) CurrentProcess() *Process {
	return e.current
}

// Process returns process registered with node index.
func (e *Engine) Process(node uint32) *Process {
	return e.mustProcess(node)
}

func (e *Engine) mustProcess(node uint32) *Process {
	rt := e.runtime(node)
	if rt.Node.Type != NodeProcess {
		common.Panicf(common.WrongNodeType, "node %s is not a process", rt.Node.Name)
	}
	if rt.process == nil {
		common.Panicf(common.WrongEngine, "process %s belongs to main engine, not %s", rt.Node.Name, e.name)
	}
	return rt.process
}

func (p *Process) isWaitingForEvent() bool {
	switch p.state {
	case ProcessWaitForEvent, ProcessWaitForEventOrClock, ProcessWaitForOneTimeEvent:
		return true
	}
	return false
}

func (p *Process) isSuspended() bool {
	return p.state == ProcessSuspended || p.state == ProcessYield || p.isWaitingForEvent()
}

// resumeProcess passes control to process and waits until it suspends
// or returns. Panic inside process is raised again here.
func (e *Engine) resumeProcess(p *Process, reason ResumeReason) {
	if p.state == ProcessExited {
		common.Panicf(common.ProcessExitedErr, "resume of exited process %s", p.Name())
	}
	if reason == ResumeStart && p.state != ProcessNotStarted ||
		reason != ResumeStart && !p.isSuspended() {
		common.Panicf(common.ProcessNotSuspended, "resume of process %s which is %s", p.Name(), p.state)
	}
	start := e.clock.Now()
	e.current = p
	p.resume <- reason
	r := <-p.ret
	e.current = nil
	e.flushNextFrames(p.rt)

	rt := p.rt
	rt.calls.Add(1)
	rt.clocks.Add(uint64(e.clock.Now() - start))
	rt.updateVectorStats(e.mainLoopCount.Load(), 0)

	switch r.kind {
	case processReturnExit:
		p.state = ProcessExited
		if !e.wheel.HandleIsFree(p.timer) {
			e.wheel.Stop(p.timer)
		}
		p.timer = 0
		common.LogDebug(common.Debug, "Process", p.Name(), "exited")
	case processReturnPanic:
		p.state = ProcessExited
		panic(r.value)
	}
}

// switchToEngine gives control back to engine and waits for resume.
func (p *Process) switchToEngine(state ProcessState) ResumeReason {
	p.state = state
	p.rt.suspends.Add(1)
	p.ret <- processReturn{kind: processReturnSuspend}
	reason, ok := <-p.resume
	if !ok {
		// Graph is finished.
		runtime.Goexit()
	}
	p.state = ProcessRunning
	return reason
}

// shutdown finishes goroutine of suspended or never started process.
func (p *Process) shutdown() {
	if p.state != ProcessExited {
		p.state = ProcessExited
		close(p.resume)
	}
}

func (p *Process) checkCurrent() {
	if p.engine.current != p {
		common.Panicf(common.NotInProcess, "operation of process %s is called outside of it", p.Name())
	}
}

// Suspend stops process for dt. If dt is shorter than one timer tick
// process isn't suspended and ResumeImmediate is returned.
func (p *Process) Suspend(dt time.Duration) ResumeReason {
	p.checkCurrent()
	e := p.engine
	if dt < e.tick {
		return ResumeImmediate
	}
	p.wakeupTime = e.clock.Now() + dt
	p.timer = e.startTimer(timerPayload(timerProcessResume, p.Node()), dt)
	return p.switchToEngine(ProcessSuspended)
}

// Yield lets other nodes and processes run. Process is resumed in the
// next loop iteration.
func (p *Process) Yield() ResumeReason {
	p.checkCurrent()
	e := p.engine
	e.restoreNext = append(e.restoreNext, restoreEntry{process: p, reason: ResumeYield})
	return p.switchToEngine(ProcessYield)
}

// WaitForEvent blocks process until some event is pending.
func (p *Process) WaitForEvent() {
	p.checkCurrent()
	for p.nonEmpty.None() {
		p.waitFor(anyEventType, ProcessWaitForEvent)
	}
}

// waitFor suspends process until event of type t or any event when t
// is anyEventType.
func (p *Process) waitFor(t uint32, state ProcessState) ResumeReason {
	p.waitType = t
	reason := p.switchToEngine(state)
	p.waitType = anyEventType
	return reason
}

// WaitForEventWithType blocks process until event with given opaque key
// is pending and returns its data appended to buf.
func (p *Process) WaitForEventWithType(opaque uint64, buf []uint64) []uint64 {
	p.checkCurrent()
	t := p.findOrCreateType(opaque)
	for !p.nonEmpty.Test(uint(t)) {
		p.waitFor(t, ProcessWaitForEvent)
	}
	return p.takeEventData(t, buf)
}

// WaitForOneTimeEvent blocks process until one time event h is signalled,
// returns its data appended to buf and releases h.
func (p *Process) WaitForOneTimeEvent(h OneTimeEvent, buf []uint64) []uint64 {
	p.checkCurrent()
	t := p.checkOneTime(h)
	for !p.nonEmpty.Test(uint(t)) {
		p.waitFor(t, ProcessWaitForOneTimeEvent)
	}
	buf = p.takeEventData(t, buf)
	p.freeEventType(t)
	return buf
}

// WaitForEventOrClock blocks process until some event is pending or dt
// passes. It returns the remaining part of dt, zero or negative value
// means timeout. If dt is shorter than one tick or an event is already
// pending dt is returned at once.
func (p *Process) WaitForEventOrClock(dt time.Duration) time.Duration {
	p.checkCurrent()
	e := p.engine
	if dt < e.tick || p.nonEmpty.Any() {
		return dt
	}
	p.wakeupTime = e.clock.Now() + dt
	p.timer = e.startTimer(timerPayload(timerProcessResume, p.Node()), dt)
	p.switchToEngine(ProcessWaitForEventOrClock)
	if !e.wheel.HandleIsFree(p.timer) {
		e.wheel.Stop(p.timer)
	}
	p.timer = 0
	return p.wakeupTime - e.clock.Now()
}
