// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/internal/low"
	"github.com/intel-go/nff-graph/internal/wheel"
	"github.com/intel-go/nff-graph/scheduler"
)

// NodeRuntime is per engine mutable state of node. It is changed only
// by the engine which owns it. Counters can be read from any goroutine.
type NodeRuntime struct {
	Node *Node
	// RuntimeData is scratch memory of node function.
	RuntimeData [RuntimeDataBytes]byte

	state      NodeState
	function   NodeFunction
	nextFrames []*Frame

	// Vectors processed during the current and the previous 128
	// iterations, slot is selected by bit 7 of main loop counter.
	vectorStats [2]uint32
	lastLoop    uint64

	calls    atomic.Uint64
	vectors  atomic.Uint64
	suspends atomic.Uint64
	clocks   atomic.Uint64

	interruptPending bool
	stopTimer        wheel.Handle
	process          *Process
}

// State returns current dispatch state of runtime.
func (rt *NodeRuntime) State() NodeState {
	return rt.state
}

// Function returns node function of runtime.
func (rt *NodeRuntime) Function() NodeFunction {
	return rt.function
}

// Calls returns number of node function calls.
func (rt *NodeRuntime) Calls() uint64 {
	return rt.calls.Load()
}

// Vectors returns total number of items processed by node.
func (rt *NodeRuntime) Vectors() uint64 {
	return rt.vectors.Load()
}

// Suspends returns number of process suspends.
func (rt *NodeRuntime) Suspends() uint64 {
	return rt.suspends.Load()
}

// Clocks returns total time spent in node function.
func (rt *NodeRuntime) Clocks() time.Duration {
	return time.Duration(rt.clocks.Load())
}

func (rt *NodeRuntime) updateVectorStats(loop uint64, n uint32) uint32 {
	i0 := (loop >> 7) & 1
	i1 := i0 ^ 1
	d := (loop >> 7) - (rt.lastLoop >> 7)
	vi0 := rt.vectorStats[i0]
	vi1 := rt.vectorStats[i1]
	if d != 0 {
		vi0 = 0
	}
	if d > 1 {
		vi1 = 0
	}
	vi0 += n
	rt.vectorStats[i0] = vi0
	rt.vectorStats[i1] = vi1
	rt.lastLoop = loop
	return vi1
}

// DispatchWrapper wraps every node function call of engine. It must call
// fn and return its result.
type DispatchWrapper func(e *Engine, rt *NodeRuntime, f *Frame, fn NodeFunction) uint32

type pendingFrame struct {
	node  uint32
	frame *Frame
}

type restoreEntry struct {
	process *Process
	reason  ResumeReason
}

// Engine is one copy of graph runtime. It belongs to one worker loop
// and all its methods except the *MT ones, RPC, Wake and counter
// queries must be called from that loop, which means from node
// functions and processes it runs.
type Engine struct {
	graph *Graph
	index int
	name  string

	clock        Clock
	tick         time.Duration
	frameSize    int
	maxIdleSleep time.Duration
	polling      bool

	byNode atomic.Pointer[[]*NodeRuntime]
	byType [nodeTypes][]*NodeRuntime
	errors atomic.Pointer[[]atomic.Uint64]

	wheel   *wheel.Wheel
	expired []uint64

	mailbox *low.Mailbox
	wake    chan struct{}

	interrupts     []uint32
	interruptsNext []uint32
	pending        []pendingFrame
	freeFrames     map[frameLayout][]*Frame
	framesAlloc    int
	framesFree     int

	stopFlag      int32
	mainLoopCount atomic.Uint64
	wrapper       DispatchWrapper
	barrierID     int
	inBarrier     int

	// Processes exist only in the main engine.
	current        *Process
	startQueue     []*Process
	restore        []restoreEntry
	restoreNext    []restoreEntry
	eventDataFree  [][]uint64
	timedEvents    []timedEvent
	freeTimedEvent []uint32
	eventValues    []eventValue
	freeValues     []uint32
}

func newEngine(g *Graph, index int) *Engine {
	config := g.config
	e := &Engine{
		graph:        g,
		index:        index,
		name:         "engine " + strconv.Itoa(index),
		clock:        config.Clock,
		tick:         config.TickDuration,
		frameSize:    int(config.FrameSize),
		maxIdleSleep: config.MaxIdleSleep,
		polling:      config.Polling,
		mailbox:      low.NewMailbox(64),
		wake:         make(chan struct{}, 1),
		freeFrames:   make(map[frameLayout][]*Frame),
		barrierID:    scheduler.NoParticipant,
	}
	e.wheel = wheel.New(e.nowTicks())
	runtimes := make([]*NodeRuntime, 0)
	e.byNode.Store(&runtimes)
	counters := make([]atomic.Uint64, 0)
	e.errors.Store(&counters)
	return e
}

// Index returns engine index, main engine has index 0.
func (e *Engine) Index() int {
	return e.index
}

// Graph returns graph the engine belongs to.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// IsMain reports whether engine is the main one, which owns processes.
func (e *Engine) IsMain() bool {
	return e.index == 0
}

// Now returns current time of engine clock.
func (e *Engine) Now() time.Duration {
	return e.clock.Now()
}

func (e *Engine) nowTicks() uint64 {
	return uint64(e.clock.Now() / e.tick)
}

// MainLoopCount returns number of finished and started loop iterations.
func (e *Engine) MainLoopCount() uint64 {
	return e.mainLoopCount.Load()
}

// SetDispatchWrapper sets function which wraps all node calls of engine,
// nil removes wrapper.
func (e *Engine) SetDispatchWrapper(w DispatchWrapper) {
	e.wrapper = w
}

// addRuntime creates runtime of just registered node. Engine must not
// be running or must be parked by barrier.
func (e *Engine) addRuntime(node *Node) {
	rt := &NodeRuntime{Node: node, state: node.state, function: node.function}
	copy(rt.RuntimeData[:], node.runtimeData)
	if node.Type == NodeInternal && rt.state == NodePolling {
		// Internal nodes are driven by frames and interrupts only.
		rt.state = NodeInterrupt
	}

	old := *e.byNode.Load()
	runtimes := make([]*NodeRuntime, len(old)+1)
	copy(runtimes, old)
	runtimes[node.Index] = rt
	e.byNode.Store(&runtimes)

	node.RuntimeIndex = uint32(len(e.byType[node.Type]))
	e.byType[node.Type] = append(e.byType[node.Type], rt)

	if n := len(node.ErrorStrings); n > 0 {
		oldCounters := *e.errors.Load()
		counters := make([]atomic.Uint64, int(node.ErrorBase)+n)
		for i := range oldCounters {
			counters[i].Store(oldCounters[i].Load())
		}
		e.errors.Store(&counters)
	}

	if node.Type == NodeProcess {
		if e.IsMain() {
			rt.process = newProcess(e, rt)
			e.startQueue = append(e.startQueue, rt.process)
		} else {
			rt.state = NodeDisabled
		}
	}
}

func (e *Engine) runtime(node uint32) *NodeRuntime {
	runtimes := *e.byNode.Load()
	if int(node) >= len(runtimes) {
		common.Panicf(common.UnknownNode, "%s has no runtime of node %d", e.name, node)
	}
	return runtimes[node]
}

// NodeRuntime returns runtime of node in this engine.
func (e *Engine) NodeRuntime(node uint32) *NodeRuntime {
	return e.runtime(node)
}

// SetNodeState changes dispatch state of node in this engine.
func (e *Engine) SetNodeState(node uint32, state NodeState) {
	rt := e.runtime(node)
	if rt.Node.Type == NodeProcess {
		common.Panicf(common.WrongNodeType, "state of process %s is controlled by process itself", rt.Node.Name)
	}
	rt.state = state
}

// NodeState returns dispatch state of node in this engine.
func (e *Engine) NodeState(node uint32) NodeState {
	return e.runtime(node).state
}

// VectorsPerMainLoop returns average number of items processed by node
// per main loop iteration during the previous 128 iterations.
func (e *Engine) VectorsPerMainLoop(node uint32) uint32 {
	return e.runtime(node).updateVectorStats(e.mainLoopCount.Load(), 0) >> 7
}

// VectorsPerMainLoopAsFloat is VectorsPerMainLoop without rounding.
func (e *Engine) VectorsPerMainLoopAsFloat(node uint32) float64 {
	return float64(e.runtime(node).updateVectorStats(e.mainLoopCount.Load(), 0)) / 128
}

// IncrementCounter adds inc to node error counter with index counter
// among node ErrorStrings.
func (e *Engine) IncrementCounter(rt *NodeRuntime, counter uint32, inc uint64) {
	if int(counter) >= len(rt.Node.ErrorStrings) {
		common.Panicf(common.BadArgument, "node %s has no counter %d", rt.Node.Name, counter)
	}
	counters := *e.errors.Load()
	counters[rt.Node.ErrorBase+counter].Add(inc)
}

// counter returns value of error counter by its global index.
func (e *Engine) counter(index uint32) uint64 {
	counters := *e.errors.Load()
	if int(index) >= len(counters) {
		return 0
	}
	return counters[index].Load()
}

// Barrier runs fn while all other engines are parked. It must be
// called from this engine loop. Nested calls just run fn.
func (e *Engine) Barrier(fn func()) {
	if e.inBarrier > 0 || !e.graph.running.Load() {
		e.inBarrier++
		defer func() { e.inBarrier-- }()
		fn()
		return
	}
	e.graph.barrier.Sync(e.barrierID)
	e.inBarrier++
	defer func() {
		e.inBarrier--
		e.graph.barrier.Release()
	}()
	fn()
}
