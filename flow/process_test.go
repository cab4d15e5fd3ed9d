// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel-go/nff-graph/common"
)

func mustProcess(t *testing.T, g *Graph, name string, fn ProcessFunction) uint32 {
	t.Helper()
	index, err := g.CreateProcess(name, fn)
	require.NoError(t, err)
	return index
}

func TestSuspendResumesAtTick(t *testing.T) {
	g, clock := newTestGraph(t, nil)
	const dt = 10 * time.Millisecond
	var suspendedAt, resumedAt time.Duration
	var reason, immediate ResumeReason
	pid := mustProcess(t, g, "sleeper", func(e *Engine, p *Process) {
		immediate = p.Suspend(testTick / 2)
		suspendedAt = e.Now()
		reason = p.Suspend(dt)
		resumedAt = e.Now()
	})
	e := g.Main()
	e.RunOnce()
	require.Equal(t, ResumeImmediate, immediate)
	require.Equal(t, ProcessSuspended, e.Process(pid).State())

	clock.Advance(dt - testTick)
	e.RunOnce()
	require.Equal(t, ProcessSuspended, e.Process(pid).State(), "process resumed before its delay")

	clock.Advance(testTick)
	e.RunOnce()
	require.Equal(t, ResumeClock, reason)
	require.Equal(t, ProcessExited, e.Process(pid).State())
	require.GreaterOrEqual(t, resumedAt-suspendedAt, dt)
	require.Less(t, resumedAt-suspendedAt, dt+testTick)
	require.Equal(t, 0, e.wheel.Len())
}

func TestYieldRunsEveryIteration(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	runs := 0
	var reasons []ResumeReason
	mustProcess(t, g, "yielder", func(e *Engine, p *Process) {
		for {
			runs++
			reasons = append(reasons, p.Yield())
		}
	})
	e := g.Main()
	for i := 0; i < 5; i++ {
		e.RunOnce()
		require.Equal(t, i+1, runs)
	}
	require.Equal(t, []ResumeReason{ResumeYield, ResumeYield, ResumeYield, ResumeYield}, reasons)
}

func TestWaitForEventGetsData(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var opaque uint64
	var data []uint64
	var ok, ready, again bool
	pid := mustProcess(t, g, "waiter", func(e *Engine, p *Process) {
		p.WaitForEvent()
		opaque, data, ok = p.GetEvents(nil)
		ready = p.nonEmpty.Any()
		_, _, again = p.GetEvents(nil)
	})
	e := g.Main()
	e.RunOnce()
	require.Equal(t, ProcessWaitForEvent, e.Process(pid).State())

	e.SignalEvent(pid, 5, 42)
	e.RunOnce()
	require.True(t, ok)
	require.Equal(t, uint64(5), opaque)
	require.Equal(t, []uint64{42}, data)
	require.False(t, ready)
	require.False(t, again)
	require.Equal(t, ProcessExited, e.Process(pid).State())
}

func TestWaitForEventWithType(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var got []uint64
	resumes := 0
	pid := mustProcess(t, g, "typed", func(e *Engine, p *Process) {
		resumes++
		got = p.WaitForEventWithType(2, nil)
	})
	e := g.Main()
	e.RunOnce()
	suspends := e.NodeRuntime(pid).Suspends()
	e.SignalEvent(pid, 1, 10)
	e.RunOnce()
	require.Nil(t, got, "wrong type woke the process")
	require.Equal(t, suspends, e.NodeRuntime(pid).Suspends(), "process was resumed by other type")
	require.Equal(t, ProcessWaitForEvent, e.Process(pid).State())

	e.SignalEvent(pid, 2, 20, 21)
	e.SignalEvent(pid, 2, 22)
	e.RunOnce()
	require.Equal(t, []uint64{20, 21, 22}, got)
	require.Equal(t, 1, resumes)
}

func TestDistinctProcessesAreIndependent(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	results := map[string][]uint64{}
	waiter := func(name string, opaque uint64) ProcessFunction {
		return func(e *Engine, p *Process) {
			for {
				results[name] = append(results[name], p.WaitForEventWithType(opaque, nil)...)
			}
		}
	}
	a := mustProcess(t, g, "a", waiter("a", 1))
	b := mustProcess(t, g, "b", waiter("b", 2))
	e := g.Main()
	e.RunOnce()
	suspendsB := e.NodeRuntime(b).Suspends()

	e.SignalEvent(a, 1, 100)
	e.RunOnce()
	require.Equal(t, []uint64{100}, results["a"])
	require.Empty(t, results["b"])
	require.Equal(t, suspendsB, e.NodeRuntime(b).Suspends(), "process b was woken")
	require.True(t, e.Process(b).nonEmpty.None())

	e.SignalEvent(b, 2, 200)
	e.RunOnce()
	require.Equal(t, []uint64{200}, results["b"])
	require.Equal(t, []uint64{100}, results["a"])
}

func TestOneTimeEvent(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var event OneTimeEvent
	var got []uint64
	pid := mustProcess(t, g, "once", func(e *Engine, p *Process) {
		event = e.CreateOneTimeEvent(p.Node(), 77)
		got = p.WaitForOneTimeEvent(event, nil)
		p.WaitForEvent()
	})
	e := g.Main()
	e.RunOnce()
	require.Equal(t, ProcessWaitForOneTimeEvent, e.Process(pid).State())

	e.SignalOneTimeEvent(pid, event, 9)
	e.RunOnce()
	require.Equal(t, []uint64{9}, got)
	require.Equal(t, ProcessWaitForEvent, e.Process(pid).State())

	requirePanicCode(t, common.EventTypeIsFree, func() { e.SignalOneTimeEvent(pid, event, 10) })
	requirePanicCode(t, common.EventTypeIsFree, func() { e.DeleteOneTimeEvent(pid, event) })

	other := e.CreateOneTimeEvent(pid, 78)
	e.DeleteOneTimeEvent(pid, other)
	requirePanicCode(t, common.EventTypeIsFree, func() { e.DeleteOneTimeEvent(pid, other) })

	e.SignalEvent(pid, 3)
	p := e.Process(pid)
	typed := p.typeByOpaque[3]
	handle := makeOneTimeEvent(typed, p.types[typed].gen)
	requirePanicCode(t, common.EventTypeNotOneTime, func() { e.SignalOneTimeEvent(pid, handle, 1) })
}

func TestReleasedOneTimeEventStaysInvalid(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	handles := make(chan OneTimeEvent, 2)
	var first, second []uint64
	pid := mustProcess(t, g, "reuse", func(e *Engine, p *Process) {
		h := e.CreateOneTimeEvent(p.Node(), 1)
		handles <- h
		first = p.WaitForOneTimeEvent(h, nil)
		h = e.CreateOneTimeEvent(p.Node(), 2)
		handles <- h
		second = p.WaitForOneTimeEvent(h, nil)
	})
	e := g.Main()
	e.RunOnce()
	stale := <-handles
	e.SignalOneTimeEvent(pid, stale, 1)
	e.RunOnce()
	require.Equal(t, []uint64{1}, first)
	fresh := <-handles
	require.Equal(t, stale.index(), fresh.index(), "released type is reused")
	require.NotEqual(t, stale, fresh)

	requirePanicCode(t, common.EventTypeIsFree, func() { e.SignalOneTimeEvent(pid, stale, 666) })
	requirePanicCode(t, common.EventTypeIsFree, func() { e.DeleteOneTimeEvent(pid, stale) })
	e.RunOnce()
	require.Nil(t, second)
	require.Equal(t, ProcessWaitForOneTimeEvent, e.Process(pid).State())

	e.SignalOneTimeEvent(pid, fresh, 2)
	e.RunOnce()
	require.Equal(t, []uint64{2}, second)
	require.Equal(t, ProcessExited, e.Process(pid).State())
}

func TestOneTimeEventByGetEvents(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var opaque uint64
	var data []uint64
	pid := mustProcess(t, g, "once", func(e *Engine, p *Process) {
		p.WaitForEvent()
		opaque, data, _ = p.GetEvents(nil)
	})
	e := g.Main()
	e.RunOnce()
	event := e.CreateOneTimeEvent(pid, 31)
	e.SignalOneTimeEvent(pid, event, 1, 2)
	e.RunOnce()
	require.Equal(t, uint64(31), opaque)
	require.Equal(t, []uint64{1, 2}, data)
	requirePanicCode(t, common.EventTypeIsFree, func() { e.SignalOneTimeEvent(pid, event) })
}

func TestEventDataRoundTrip(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var got []uint64
	var opaque uint64
	pid := mustProcess(t, g, "reader", func(e *Engine, p *Process) {
		for {
			p.WaitForEvent()
			var data []uint64
			opaque, data, _ = p.GetEventData()
			got = append(got[:0], data...)
			e.PutEventData(data)
		}
	})
	e := g.Main()
	e.RunOnce()

	payload := []uint64{1, 1 << 40, 3, ^uint64(0), 0}
	copy(e.SignalEventData(pid, 11, len(payload)), payload)
	e.RunOnce()
	require.Equal(t, uint64(11), opaque)
	require.Equal(t, payload, got)
	require.Len(t, e.eventDataFree, 1)

	// Recycled buffer is used by the next signal.
	recycled := e.eventDataFree[0]
	d := e.SignalEventData(pid, 12, 2)
	d[0], d[1] = 5, 6
	require.Empty(t, e.eventDataFree)
	pending := e.Process(pid).pendingData[e.Process(pid).typeByOpaque[12]]
	require.Same(t, &recycled[:1][0], &pending[0])
	e.RunOnce()
	require.Equal(t, []uint64{5, 6}, got)
}

func TestWaitForEventOrClock(t *testing.T) {
	g, clock := newTestGraph(t, nil)
	const dt = time.Millisecond
	var remaining []time.Duration
	pid := mustProcess(t, g, "timeout", func(e *Engine, p *Process) {
		for {
			remaining = append(remaining, p.WaitForEventOrClock(dt))
			p.GetEvents(nil)
		}
	})
	e := g.Main()
	e.RunOnce()
	require.Equal(t, ProcessWaitForEventOrClock, e.Process(pid).State())

	// Timeout.
	clock.Advance(dt)
	e.RunOnce()
	require.Equal(t, []time.Duration{0}, remaining)

	// Event comes first and stops timer.
	clock.Advance(dt / 4)
	e.SignalEvent(pid, 1, 1)
	require.Equal(t, 0, e.wheel.Len())
	e.RunOnce()
	require.Len(t, remaining, 2)
	require.Equal(t, dt-dt/4, remaining[1])

	// The second pending event makes the next wait return at once.
	clock.Advance(dt / 2)
	e.SignalEvent(pid, 1, 1)
	e.SignalEvent(pid, 2, 2)
	e.RunOnce()
	require.Equal(t, []time.Duration{0, dt - dt/4, dt / 2, dt}, remaining)
	require.Equal(t, ProcessWaitForEventOrClock, e.Process(pid).State())
	require.Equal(t, 1, e.wheel.Len())
}

func TestSignalEventAtTime(t *testing.T) {
	g, clock := newTestGraph(t, nil)
	var got [][]uint64
	var at []time.Duration
	pid := mustProcess(t, g, "timed", func(e *Engine, p *Process) {
		for {
			p.WaitForEvent()
			for {
				_, data, ok := p.GetEvents(nil)
				if !ok {
					break
				}
				got = append(got, data)
				at = append(at, e.Now())
			}
		}
	})
	e := g.Main()
	e.RunOnce()
	e.SignalEventAtTime(100*time.Microsecond, pid, 1, 7)
	e.SignalEventAtTime(200*time.Microsecond, pid, 2, 1, 2, 3, 4)
	e.SignalEventAtTime(0, pid, 3, 9)
	e.RunOnce()
	require.Equal(t, [][]uint64{{9}}, got)

	clock.Advance(100 * time.Microsecond)
	e.RunOnce()
	clock.Advance(100 * time.Microsecond)
	e.RunOnce()
	require.Equal(t, [][]uint64{{9}, {7}, {1, 2, 3, 4}}, got)
	require.Equal(t, []time.Duration{0, 100 * time.Microsecond, 200 * time.Microsecond}, at)
	require.Len(t, e.freeTimedEvent, 2)
}

func TestScheduleNode(t *testing.T) {
	g, clock := newTestGraph(t, nil)
	calls := 0
	x := mustRegister(t, g, &NodeRegistration{
		Name: "x",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			calls++
			return 0
		},
	})
	e := g.Main()
	e.ScheduleNode(x, 100*time.Microsecond)
	require.True(t, e.NodeIsScheduled(x))
	requirePanicCode(t, common.NodeAlreadyScheduled, func() { e.ScheduleNode(x, time.Millisecond) })

	clock.Advance(90 * time.Microsecond)
	e.RunOnce()
	require.Equal(t, 0, calls)
	clock.Advance(10 * time.Microsecond)
	e.RunOnce()
	require.Equal(t, 1, calls)
	require.False(t, e.NodeIsScheduled(x))

	e.ScheduleNode(x, 50*time.Microsecond)
	e.UnscheduleNode(x)
	e.UnscheduleNode(x)
	clock.Advance(time.Millisecond)
	e.RunOnce()
	require.Equal(t, 1, calls)
}

func TestProcessContractViolations(t *testing.T) {
	g, _ := newTestGraph(t, &Config{Workers: 1})
	var captured, current *Process
	pid := mustProcess(t, g, "p", func(e *Engine, p *Process) {
		captured = p
		current = e.CurrentProcess()
		p.WaitForEvent()
	})
	e := g.Main()
	e.RunOnce()
	require.Same(t, captured, current)
	require.Nil(t, e.CurrentProcess())

	requirePanicCode(t, common.NotInProcess, func() { captured.Suspend(time.Second) })
	requirePanicCode(t, common.NotInProcess, func() { captured.GetEvents(nil) })
	requirePanicCode(t, common.ProcessNotSuspended, func() { e.resumeProcess(captured, ResumeStart) })
	requirePanicCode(t, common.WrongNodeType, func() { e.Process(g.DropNode()) })
	requirePanicCode(t, common.WrongEngine, func() { g.Engine(1).SignalEvent(pid, 1) })
	requirePanicCode(t, common.WrongNodeType, func() { e.SetNodeState(pid, NodeDisabled) })
}

func TestProcessPanicReachesEngine(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	failure := errors.New("broken process")
	pid := mustProcess(t, g, "broken", func(e *Engine, p *Process) {
		p.Yield()
		panic(failure)
	})
	e := g.Main()
	e.RunOnce()
	require.PanicsWithValue(t, failure, func() { e.RunOnce() })
	require.Equal(t, ProcessExited, e.Process(pid).State())
	require.Nil(t, e.CurrentProcess())
}

func TestProcessFramesAreFlushed(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var got []uint32
	mustRegister(t, g, &NodeRegistration{
		Name: "sink",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			got = append(got, f.Vector()...)
			return uint32(f.Len())
		},
	})
	mustRegister(t, g, &NodeRegistration{
		Name:      "producer",
		Type:      NodeProcess,
		NextNodes: []string{"sink"},
		Process: func(e *Engine, p *Process) {
			rt := e.NodeRuntime(p.Node())
			for i := uint32(1); ; i++ {
				e.Enqueue(rt, 0, i)
				p.Yield()
			}
		},
	})
	e := g.Main()
	e.RunOnce()
	e.RunOnce()
	require.Equal(t, []uint32{1}, got)
	e.RunOnce()
	require.Equal(t, []uint32{1, 2}, got)
}

func TestSignalEventMT(t *testing.T) {
	g, err := NewGraph(&Config{LogType: common.No, Workers: 1})
	require.NoError(t, err)
	defer g.Close()
	received := make(chan []uint64, 2)
	pid := mustProcess(t, g, "listener", func(e *Engine, p *Process) {
		for {
			received <- p.WaitForEventWithType(8, nil)
		}
	})
	signaller := mustRegister(t, g, &NodeRegistration{
		Name: "signaller",
		Function: func(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
			e.SignalEventMT(pid, 8, 2)
			return 0
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	g.SignalEventMT(pid, 8, 42)
	select {
	case data := <-received:
		require.Equal(t, []uint64{42}, data)
	case <-time.After(time.Second):
		t.Fatal("event from other goroutine was not delivered")
	}

	g.Engine(1).SetInterruptPendingMT(signaller)
	select {
	case data := <-received:
		require.Equal(t, []uint64{2}, data)
	case <-time.After(time.Second):
		t.Fatal("event from worker engine was not delivered")
	}

	g.Stop()
	require.NoError(t, g.Wait())
}

func TestSuspendWallClock(t *testing.T) {
	g, err := NewGraph(&Config{LogType: common.No})
	require.NoError(t, err)
	defer g.Close()
	const dt = 10 * time.Millisecond
	elapsed := make(chan time.Duration, 1)
	mustProcess(t, g, "sleeper", func(e *Engine, p *Process) {
		start := time.Now()
		p.Suspend(dt)
		elapsed <- time.Since(start)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))
	select {
	case d := <-elapsed:
		require.GreaterOrEqual(t, d, dt)
	case <-time.After(time.Second):
		t.Fatal("process was not resumed")
	}
	g.Stop()
	require.NoError(t, g.Wait())
}

func TestWaitingProcesses(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	var parked WaitingProcesses
	wakeups := map[string]int{}
	for _, name := range []string{"a", "b", "c"} {
		mustProcess(t, g, name, func(e *Engine, p *Process) {
			for {
				parked.WaitOneTime(p)
				wakeups[p.Name()]++
			}
		})
	}
	e := g.Main()
	e.RunOnce()
	require.Equal(t, 3, parked.Len())
	e.RunOnce()
	require.Empty(t, wakeups)

	require.Equal(t, 3, parked.SignalAll(e))
	require.Zero(t, parked.Len())
	e.RunOnce()
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, wakeups)
	require.Equal(t, 3, parked.Len(), "processes parked again")

	require.Equal(t, 3, parked.SignalAll(e))
	e.RunOnce()
	require.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, wakeups)
	require.Zero(t, (&WaitingProcesses{}).SignalAll(e))
}

func TestEventPointers(t *testing.T) {
	type request struct {
		id   int
		name string
	}
	g, _ := newTestGraph(t, nil)
	var refs []uint64
	var values []interface{}
	pid := mustProcess(t, g, "owner", func(e *Engine, p *Process) {
		for {
			data := p.WaitForEventWithType(5, nil)
			for _, ref := range data {
				refs = append(refs, ref)
				values = append(values, e.TakeEventPointer(ref))
			}
		}
	})
	e := g.Main()
	e.RunOnce()

	first := &request{id: 1, name: "first"}
	e.SignalEventPointer(pid, 5, first)
	e.SignalEventPointer(pid, 5, &request{id: 2})
	e.RunOnce()
	require.Len(t, values, 2)
	require.Same(t, first, values[0])
	require.Equal(t, 2, values[1].(*request).id)
	requirePanicCode(t, common.BadArgument, func() { e.TakeEventPointer(refs[0]) })

	g.SignalEventPointerMT(pid, 5, "from other goroutine")
	e.RunOnce()
	require.Equal(t, "from other goroutine", values[2])
	require.Contains(t, refs[:2], refs[2], "value slot is reused")
}
