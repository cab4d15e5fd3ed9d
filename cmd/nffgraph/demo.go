// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"sync/atomic"
	"time"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/flow"
)

// Next slots of classify node.
const (
	classifyToSink uint32 = iota
	classifyToDrop
)

const eventSourceDone = 1

// demo is a graph where input node "source" generates item numbers,
// "classify" sends even items to "sink" and odd ones to "drop". Process
// "monitor" prints statistics every report period, if it is set, and
// closes done when every engine has generated its share.
type demo struct {
	items  uint32
	batch  uint32
	report time.Duration

	generated atomic.Uint32
	received  atomic.Uint64
	freed     atomic.Uint64

	graph    *flow.Graph
	classify uint32
	monitor  uint32
	done     chan struct{}
}

func newDemo(items, batch uint32, report time.Duration) *demo {
	if batch == 0 {
		batch = 1
	}
	return &demo{
		items:  items,
		batch:  batch,
		report: report,
		done:   make(chan struct{}),
	}
}

// freeItems is used as Config.FreeItems.
func (d *demo) freeItems(items []uint32) {
	d.freed.Add(uint64(len(items)))
}

func (d *demo) build(g *flow.Graph) (err error) {
	d.graph = g
	if d.monitor, err = g.CreateProcess("monitor", d.monitorProcess); err != nil {
		return err
	}
	if _, err = g.RegisterNode(&flow.NodeRegistration{
		Name:         "sink",
		Function:     d.sink,
		ErrorStrings: []string{"received"},
	}); err != nil {
		return err
	}
	if d.classify, err = g.RegisterNode(&flow.NodeRegistration{
		Name:      "classify",
		Function:  classify,
		Flags:     flow.NodeTraceSupported,
		NextNodes: []string{"sink", flow.DropNodeName},
	}); err != nil {
		return err
	}
	_, err = g.RegisterNode(&flow.NodeRegistration{
		Name:      "source",
		Type:      flow.NodeInput,
		Function:  d.source,
		NextNodes: []string{"classify"},
	})
	return err
}

// reserve takes up to n item numbers from the shared sequence.
func (d *demo) reserve(n uint32) (first, got uint32) {
	for {
		cur := d.generated.Load()
		if d.items != 0 {
			if cur >= d.items {
				return cur, 0
			}
			if d.items-cur < n {
				n = d.items - cur
			}
		}
		if d.generated.CompareAndSwap(cur, cur+n) {
			return cur, n
		}
	}
}

func (d *demo) source(e *flow.Engine, rt *flow.NodeRuntime, _ *flow.Frame) uint32 {
	f := e.GetNextFrame(rt, 0, false)
	free := f.Free()
	n := d.batch
	if int(n) > len(free) {
		n = uint32(len(free))
	}
	first, n := d.reserve(n)
	if n == 0 {
		e.PutNextFrame(rt, 0, uint32(len(free)))
		e.SetNodeState(rt.Node.Index, flow.NodeDisabled)
		e.SignalEventMT(d.monitor, eventSourceDone, uint64(e.Index()))
		return 0
	}
	for i := range free[:n] {
		free[i] = first + uint32(i)
	}
	e.PutNextFrame(rt, 0, uint32(len(free))-n)
	return n
}

func classifySlot(item uint32) uint32 {
	if item&1 == 0 {
		return classifyToSink
	}
	return classifyToDrop
}

func classify(e *flow.Engine, rt *flow.NodeRuntime, f *flow.Frame) uint32 {
	if f == nil {
		return 0
	}
	items := f.Vector()
	i := 0
	for ; i+1 < len(items); i += 2 {
		e.EnqueueX2(rt, classifySlot(items[i]), classifySlot(items[i+1]), items[i], items[i+1])
	}
	if i < len(items) {
		e.Enqueue(rt, classifySlot(items[i]), items[i])
	}
	return uint32(len(items))
}

func (d *demo) sink(e *flow.Engine, rt *flow.NodeRuntime, f *flow.Frame) uint32 {
	if f == nil {
		return 0
	}
	e.IncrementCounter(rt, 0, uint64(f.Len()))
	d.received.Add(uint64(f.Len()))
	return uint32(f.Len())
}

func (d *demo) monitorProcess(e *flow.Engine, p *flow.Process) {
	finished := 0
	for {
		if d.report <= 0 {
			p.WaitForEvent()
		} else if p.WaitForEventOrClock(d.report) <= 0 {
			d.print(e)
		}
		for {
			opaque, data, ok := p.GetEvents(nil)
			if !ok {
				break
			}
			if opaque == eventSourceDone {
				finished += len(data)
				common.LogDebug(common.Debug, "Source of engine", data, "has generated its items")
			}
		}
		if finished == d.graph.Engines() {
			d.print(e)
			close(d.done)
			return
		}
	}
}

func (d *demo) print(e *flow.Engine) {
	common.LogDebug(common.Debug, "Generated", d.generated.Load(), "received", d.received.Load(),
		"dropped", d.freed.Load(), "classify vectors per loop", e.VectorsPerMainLoopAsFloat(d.classify))
}
