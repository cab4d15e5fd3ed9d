// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel-go/nff-graph/common"
)

const testTick = 10 * time.Microsecond

type manualClock struct {
	now atomic.Int64
}

func (c *manualClock) Now() time.Duration {
	return time.Duration(c.now.Load())
}

func (c *manualClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

func newTestGraph(t *testing.T, config *Config) (*Graph, *manualClock) {
	t.Helper()
	clock := &manualClock{}
	if config == nil {
		config = &Config{}
	}
	config.Clock = clock
	config.TickDuration = testTick
	config.LogType = common.No
	g, err := NewGraph(config)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g, clock
}

func mustRegister(t *testing.T, g *Graph, reg *NodeRegistration) uint32 {
	t.Helper()
	index, err := g.RegisterNode(reg)
	require.NoError(t, err)
	return index
}

// recoverCode runs fn and returns code of NFError it panicked with.
func recoverCode(fn func()) (code common.ErrorCode, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if err, ok := r.(error); ok {
				code = common.GetNFErrorCode(err)
			}
		}
	}()
	fn()
	return 0, false
}

func requirePanicCode(t *testing.T, want common.ErrorCode, fn func()) {
	t.Helper()
	code, panicked := recoverCode(fn)
	require.True(t, panicked, "no panic")
	require.Equal(t, want, code)
}

func idleFunction(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
	if f == nil {
		return 0
	}
	return uint32(f.Len())
}

func TestRegisterNode(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	a := mustRegister(t, g, &NodeRegistration{Name: "a", Function: idleFunction, ErrorStrings: []string{"x", "y"}})
	b := mustRegister(t, g, &NodeRegistration{Name: "b", Function: idleFunction, ErrorStrings: []string{"z"}})

	node, ok := g.NodeByName("a")
	require.True(t, ok)
	require.Equal(t, a, node.Index)
	require.Equal(t, defaultItemSize, node.ItemSize)
	require.Equal(t, g.Node(b).ErrorBase, node.ErrorBase+2)
	_, ok = g.NodeByName("c")
	require.False(t, ok)
	require.Nil(t, g.Node(1000))

	_, err := g.RegisterNode(&NodeRegistration{Name: "a", Function: idleFunction})
	require.Equal(t, common.DuplicateNode, common.GetNFErrorCode(err))
	_, err = g.RegisterNode(&NodeRegistration{Name: "nofunc"})
	require.Equal(t, common.BadArgument, common.GetNFErrorCode(err))
	_, err = g.RegisterNode(&NodeRegistration{Name: "big", Function: idleFunction,
		RuntimeData: make([]byte, RuntimeDataBytes+1)})
	require.Equal(t, common.BadArgument, common.GetNFErrorCode(err))

	rt := g.Main().NodeRuntime(a)
	require.Equal(t, NodeInterrupt, rt.State())
	require.Same(t, g.Node(a), rt.Node)
	names := []string{}
	for _, n := range g.Nodes() {
		names = append(names, n.Name)
	}
	require.Equal(t, []string{DropNodeName, NullNodeName, "a", "b"}, names)
}

func TestRuntimePerEngine(t *testing.T) {
	g, _ := newTestGraph(t, &Config{Workers: 2})
	require.Equal(t, 3, g.Engines())
	a := mustRegister(t, g, &NodeRegistration{Name: "a", Type: NodeInput, Function: idleFunction,
		RuntimeData: []byte{1, 2, 3}})
	for i := 0; i < g.Engines(); i++ {
		rt := g.Engine(i).NodeRuntime(a)
		require.Equal(t, byte(3), rt.RuntimeData[2])
		rt.RuntimeData[0] = byte(10 + i)
	}
	require.NotSame(t, g.Engine(0).NodeRuntime(a), g.Engine(1).NodeRuntime(a))
	require.Equal(t, byte(11), g.Engine(1).NodeRuntime(a).RuntimeData[0])
}

func TestNextNodes(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	a := mustRegister(t, g, &NodeRegistration{Name: "a", Function: idleFunction, NextNodes: []string{"b", DropNodeName}})
	node := g.Node(a)
	_, ok := node.Next(0)
	require.False(t, ok, "arc to not registered node is resolved")
	next, ok := node.Next(1)
	require.True(t, ok)
	require.Equal(t, g.DropNode(), next)

	b := mustRegister(t, g, &NodeRegistration{Name: "b", Function: idleFunction})
	next, ok = node.Next(0)
	require.True(t, ok)
	require.Equal(t, b, next)

	require.Equal(t, uint32(0), g.AddNext(a, b))
	require.Equal(t, uint32(2), g.AddNext(a, g.NullNode()))
	require.Equal(t, uint32(5), g.AddNextWithSlot(a, b, 5))
	require.Equal(t, 6, node.NNext())
	require.Equal(t, "b", node.NextName(5))

	require.NoError(t, g.Finalize())
	_, err := g.AddNamedNext(a, "missing")
	require.Equal(t, common.NextNodeNotFound, common.GetNFErrorCode(err))

	lazy := mustRegister(t, g, &NodeRegistration{Name: "lazy", Function: idleFunction, Flags: NodeAllowLazyNextNodes})
	slot, err := g.AddNamedNext(lazy, "later")
	require.NoError(t, err)
	_, ok = g.Node(lazy).Next(slot)
	require.False(t, ok)
	later := mustRegister(t, g, &NodeRegistration{Name: "later", Function: idleFunction})
	next, ok = g.Node(lazy).Next(slot)
	require.True(t, ok)
	require.Equal(t, later, next)
}

func TestFinalizeUnresolved(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	mustRegister(t, g, &NodeRegistration{Name: "a", Function: idleFunction, NextNodes: []string{"ghost"}})
	err := g.Finalize()
	require.Equal(t, common.NextNodeNotFound, common.GetNFErrorCode(err))

	mustRegister(t, g, &NodeRegistration{Name: "ghost", Function: idleFunction})
	require.NoError(t, g.Finalize())
}

func TestBatchesOf257Items(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var batches [][]uint32
	mustRegister(t, g, &NodeRegistration{
		Name: "sink",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			batches = append(batches, append([]uint32(nil), f.Vector()...))
			return uint32(f.Len())
		},
	})
	mustRegister(t, g, &NodeRegistration{
		Name:      "source",
		Type:      NodeInput,
		NextNodes: []string{"sink"},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			for i := uint32(0); i < 257; i++ {
				e.Enqueue(rt, 0, i)
			}
			return 257
		},
	})
	require.NoError(t, g.Finalize())
	e := g.Main()
	e.RunOnce()

	require.Len(t, batches, 2)
	require.Len(t, batches[0], 256)
	require.Len(t, batches[1], 1)
	for i, item := range append(batches[0], batches[1]...) {
		require.Equal(t, uint32(i), item)
	}

	allocated, free := e.FrameStats()
	require.Equal(t, allocated, free)
	for i := 0; i < 10; i++ {
		e.RunOnce()
	}
	require.Len(t, batches, 22)
	again, _ := e.FrameStats()
	require.Equal(t, allocated, again, "frames are not recycled")
}

func TestAcquireRelease(t *testing.T) {
	g, _ := newTestGraph(t, &Config{FrameSize: 8})
	var got []int
	sink := mustRegister(t, g, &NodeRegistration{
		Name: "sink",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			got = append(got, f.Len())
			return uint32(f.Len())
		},
	})
	var step func(e *Engine, rt *NodeRuntime)
	mustRegister(t, g, &NodeRegistration{
		Name:      "source",
		Type:      NodeInput,
		NextNodes: []string{"sink"},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			step(e, rt)
			return 0
		},
	})
	e := g.Main()

	step = func(e *Engine, rt *NodeRuntime) {
		f := e.GetNextFrame(rt, 0, false)
		require.Equal(t, 8, f.Room())
		require.Equal(t, sink, f.Target())
		free := f.Free()
		free[0], free[1], free[2] = 1, 2, 3
		e.PutNextFrame(rt, 0, uint32(len(free)-3))

		f = e.GetNextFrame(rt, 0, false)
		require.Equal(t, 3, f.Len())
		require.Equal(t, []uint32{1, 2, 3}, f.Vector())
		e.PutNextFrame(rt, 0, uint32(f.Room()))

		// Asking for a new frame flushes the open one.
		f = e.GetNextFrame(rt, 0, true)
		require.Equal(t, 0, f.Len())
		n := copy(f.Free(), []uint32{4, 5, 6, 7, 8, 9, 10, 11})
		e.PutNextFrame(rt, 0, uint32(8-n))
	}
	e.RunOnce()
	require.Equal(t, []int{3, 8}, got)

	step = func(e *Engine, rt *NodeRuntime) {
		f := e.GetNextFrame(rt, 0, false)
		f.Free()[0] = 1
		e.PutNextFrame(rt, 0, 7)
		e.PutNextFrame(rt, 0, 9)
	}
	requirePanicCode(t, common.FrameOverflow, func() { e.RunOnce() })

	step = func(e *Engine, rt *NodeRuntime) {
		e.GetNextFrame(rt, 0, true)
		e.PutNextFrame(rt, 0, 8)
		f := e.GetNextFrame(rt, 0, false)
		f.Free()[0] = 1
		e.PutNextFrame(rt, 0, 7)
		// Release can't drop items which are already in frame.
		e.PutNextFrame(rt, 0, 8)
	}
	requirePanicCode(t, common.FrameOverflow, func() { e.RunOnce() })
}

func TestFrameNeverExceedsCapacity(t *testing.T) {
	g, _ := newTestGraph(t, &Config{FrameSize: 16})
	maxLen := 0
	total := 0
	mustRegister(t, g, &NodeRegistration{
		Name: "sink",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			if f.Len() > maxLen {
				maxLen = f.Len()
			}
			total += f.Len()
			return uint32(f.Len())
		},
	})
	sizes := []int{1, 15, 16, 17, 3, 40, 0, 5}
	mustRegister(t, g, &NodeRegistration{
		Name:      "source",
		Type:      NodeInput,
		NextNodes: []string{"sink"},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			for _, n := range sizes {
				e.EnqueueN(rt, 0, make([]uint32, n))
				e.Enqueue(rt, 0, 1)
				e.SetFrameNoAppend(rt, 0)
			}
			return 0
		},
	})
	g.Main().RunOnce()
	require.LessOrEqual(t, maxLen, 16)
	require.Equal(t, 97+len(sizes), total)
}

func TestFrameLayout(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	wide := mustRegister(t, g, &NodeRegistration{
		Name:       "wide",
		Function:   idleFunction,
		ScalarSize: 12,
		ItemSize:   16,
		AuxSize:    4,
	})
	e := g.Main()
	f := e.GetFrameToNode(wide)
	require.Equal(t, 0, f.ScalarOffset())
	require.Equal(t, 16, f.VectorOffset())
	require.Equal(t, 16+256*16, f.AuxOffset())
	require.Len(t, f.Scalar(), 12)
	require.Len(t, f.Item(3), 16)
	f.Item(255)[15] = 7
	require.Equal(t, byte(7), f.buf[f.AuxOffset()-1])
	f.SetLen(2)
	require.Len(t, f.Aux(), 2)
	requirePanicCode(t, common.BadArgument, func() { f.Vector() })
	requirePanicCode(t, common.FrameOverflow, func() { f.SetLen(257) })
	e.PutFrameToNode(f)
	e.RunOnce()
	require.Equal(t, uint64(2), e.NodeRuntime(wide).Vectors())
}

func TestDispatchOrder(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var order []string
	record := func(name string) NodeFunction {
		return func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			order = append(order, name)
			if f == nil {
				return 0
			}
			return uint32(f.Len())
		}
	}
	var frameNode, intrA, intrB uint32
	frameNode = mustRegister(t, g, &NodeRegistration{Name: "internal", Function: record("internal")})
	intrA = mustRegister(t, g, &NodeRegistration{Name: "interrupt-a", Function: record("interrupt-a")})
	intrB = mustRegister(t, g, &NodeRegistration{Name: "interrupt-b", Function: record("interrupt-b")})
	mustRegister(t, g, &NodeRegistration{
		Name:      "input",
		Type:      NodeInput,
		NextNodes: []string{"internal"},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			order = append(order, "input")
			e.Enqueue(rt, 0, 1)
			return 1
		},
	})
	mustRegister(t, g, &NodeRegistration{Name: "pre-input", Type: NodePreInput, Function: record("pre-input")})
	off := mustRegister(t, g, &NodeRegistration{Name: "off", Type: NodeInput, Function: record("off"),
		State: NodeDisabled})
	mustRegister(t, g, &NodeRegistration{Name: "quiet", Type: NodeInput, Function: record("quiet"),
		State: NodeInterrupt})

	e := g.Main()
	e.SetInterruptPending(intrB)
	e.SetInterruptPending(intrA)
	e.SetInterruptPending(intrB)
	e.SetInterruptPending(off)
	e.RunOnce()
	require.Equal(t, []string{"pre-input", "input", "interrupt-b", "interrupt-a", "internal"}, order)
	require.Equal(t, uint64(1), e.NodeRuntime(frameNode).Calls())

	order = nil
	e.RunOnce()
	require.Equal(t, []string{"pre-input", "input", "internal"}, order)
	require.Equal(t, NodeDisabled, e.NodeState(off))
}

func TestVectorStats(t *testing.T) {
	rt := &NodeRuntime{}
	for loop := uint64(0); loop < 128; loop++ {
		rt.updateVectorStats(loop, 2)
	}
	require.Equal(t, uint32(256), rt.updateVectorStats(128, 0))
	require.Equal(t, uint32(256), rt.updateVectorStats(200, 0))
	require.Equal(t, uint32(0), rt.updateVectorStats(384, 0))

	g, _ := newTestGraph(t, nil)
	in := mustRegister(t, g, &NodeRegistration{
		Name: "three",
		Type: NodeInput,
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			return 3
		},
	})
	e := g.Main()
	for i := 0; i < 256; i++ {
		e.RunOnce()
	}
	require.Equal(t, uint32(3), e.VectorsPerMainLoop(in))
	require.Equal(t, 3.0, e.VectorsPerMainLoopAsFloat(in))
}

func TestDispatchWrapperAndCounters(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	n := mustRegister(t, g, &NodeRegistration{
		Name:         "counting",
		Type:         NodeInput,
		ErrorStrings: []string{"even", "odd"},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			e.IncrementCounter(rt, uint32(e.MainLoopCount()%2), 1)
			return 1
		},
	})
	e := g.Main()
	wrapped := 0
	e.SetDispatchWrapper(func(e *Engine, rt *NodeRuntime, f *Frame, fn NodeFunction) uint32 {
		wrapped++
		return fn(e, rt, f)
	})
	for i := 0; i < 5; i++ {
		e.RunOnce()
	}
	require.Equal(t, 5, wrapped)
	require.Equal(t, map[string]uint64{"counting/even": 2, "counting/odd": 3}, g.ErrorCounters())
	stats, ok := g.NodeStats("counting")
	require.True(t, ok)
	require.Equal(t, uint64(5), stats.Calls)
	require.Equal(t, uint64(3), stats.Errors["odd"])
	requirePanicCode(t, common.BadArgument, func() { e.IncrementCounter(e.NodeRuntime(n), 2, 1) })
}

func TestDropNode(t *testing.T) {
	var freed []uint32
	g, _ := newTestGraph(t, &Config{FreeItems: func(items []uint32) {
		freed = append(freed, items...)
	}})
	mustRegister(t, g, &NodeRegistration{
		Name:      "source",
		Type:      NodeInput,
		NextNodes: []string{DropNodeName, NullNodeName},
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			e.EnqueueN(rt, 0, []uint32{7, 8, 9})
			e.Enqueue(rt, 1, 10)
			return 4
		},
	})
	g.Main().RunOnce()
	require.Equal(t, []uint32{7, 8, 9}, freed)
	require.Equal(t, map[string]uint64{"drop/dropped": 3}, g.ErrorCounters())
}

func TestRPCAndInterruptMessages(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	calls := 0
	x := mustRegister(t, g, &NodeRegistration{
		Name: "x",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			calls++
			return 0
		},
	})
	e := g.Main()
	var onEngine *Engine
	e.RPC(func(e *Engine) { onEngine = e })
	e.SetInterruptPendingMT(x)
	e.SetInterruptPendingMT(x)
	require.True(t, e.RunOnce())
	require.Same(t, e, onEngine)
	require.Equal(t, 1, calls)
	require.False(t, e.RunOnce())
}

func TestProcessIsNotInterrupted(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	pid, err := g.CreateProcess("waiter", func(e *Engine, p *Process) {
		p.WaitForEvent()
	})
	require.NoError(t, err)
	e := g.Main()
	e.RunOnce()

	requirePanicCode(t, common.WrongNodeType, func() { e.SetInterruptPending(pid) })
	requirePanicCode(t, common.WrongNodeType, func() { e.SetInterruptPendingMT(pid) })
	requirePanicCode(t, common.WrongNodeType, func() { e.ScheduleNode(pid, time.Millisecond) })
	requirePanicCode(t, common.UnknownNode, func() { e.SetInterruptPendingMT(1000) })
	require.NotPanics(t, func() { e.RunOnce() })
	require.Equal(t, ProcessWaitForEvent, e.Process(pid).State())
}

func TestModifyRunningGraphRequiresBarrier(t *testing.T) {
	g, err := NewGraph(&Config{LogType: common.No, MaxIdleSleep: time.Millisecond})
	require.NoError(t, err)
	defer g.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))
	require.True(t, g.IsRunning())

	requirePanicCode(t, common.BarrierNotHeld, func() {
		g.RegisterNode(&NodeRegistration{Name: "late", Function: idleFunction})
	})

	var calls atomic.Int32
	var late uint32
	g.Barrier(func() {
		late, err = g.RegisterNode(&NodeRegistration{
			Name: "late",
			Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
				calls.Add(1)
				return 0
			},
		})
	})
	require.NoError(t, err)
	g.Main().SetInterruptPendingMT(late)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	g.Stop()
	require.NoError(t, g.Wait())
	require.False(t, g.IsRunning())
}

func TestInterruptWakesIdleEngine(t *testing.T) {
	g, err := NewGraph(&Config{LogType: common.No, Workers: 1, MaxIdleSleep: time.Hour})
	require.NoError(t, err)
	defer g.Close()
	var calls atomic.Int32
	x := mustRegister(t, g, &NodeRegistration{
		Name: "x",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			calls.Add(1)
			return 0
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	worker := g.Engine(1)
	// Let the loop fall asleep first.
	require.Eventually(t, func() bool { return worker.MainLoopCount() > 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	loops := worker.MainLoopCount()

	start := time.Now()
	worker.SetInterruptPendingMT(x)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 100*time.Microsecond)
	require.Less(t, time.Since(start), time.Second)
	require.Greater(t, worker.MainLoopCount(), loops)

	g.Stop()
	require.NoError(t, g.Wait())
}
