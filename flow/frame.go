// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"unsafe"

	"github.com/intel-go/nff-graph/common"
)

type frameLayout struct {
	itemSize   int
	scalarSize int
	auxSize    int
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Frame is a batch of items moving along one arc. Scalar header, item
// vector and auxiliary vector live in one allocation:
//
//	| scalar | items [Cap] | aux [Cap] |
//
// Every region starts at 8 byte boundary. Frame belongs to the node
// which acquired it until it is flushed, then to the node it was sent to
// until that node returns.
type Frame struct {
	layout   frameLayout
	capacity int
	n        int
	noAppend bool
	target   uint32

	vectorOffset int
	auxOffset    int
	words        []uint64
	buf          []byte
}

func newFrame(layout frameLayout, capacity int) *Frame {
	f := &Frame{layout: layout, capacity: capacity}
	f.vectorOffset = align8(layout.scalarSize)
	f.auxOffset = f.vectorOffset + align8(capacity*layout.itemSize)
	size := f.auxOffset + align8(capacity*layout.auxSize)
	f.words = make([]uint64, size/8)
	f.buf = unsafe.Slice((*byte)(unsafe.Pointer(&f.words[0])), size)
	return f
}

// Len returns number of items in frame.
func (f *Frame) Len() int {
	return f.n
}

// Cap returns maximum number of items in frame.
func (f *Frame) Cap() int {
	return f.capacity
}

// Room returns number of items which can still be added.
func (f *Frame) Room() int {
	return f.capacity - f.n
}

// SetLen sets number of items in frame taken by GetFrameToNode.
func (f *Frame) SetLen(n int) {
	if n < 0 || n > f.capacity {
		common.Panicf(common.FrameOverflow, "frame length %d is out of capacity %d", n, f.capacity)
	}
	f.n = n
}

// Target returns index of node the frame goes to.
func (f *Frame) Target() uint32 {
	return f.target
}

// ScalarOffset returns offset of scalar header inside frame memory.
func (f *Frame) ScalarOffset() int {
	return 0
}

// VectorOffset returns offset of item vector inside frame memory.
func (f *Frame) VectorOffset() int {
	return f.vectorOffset
}

// AuxOffset returns offset of auxiliary vector inside frame memory.
func (f *Frame) AuxOffset() int {
	return f.auxOffset
}

// Scalar returns scalar header of frame.
func (f *Frame) Scalar() []byte {
	return f.buf[:f.layout.scalarSize:f.layout.scalarSize]
}

func (f *Frame) items() []uint32 {
	if f.layout.itemSize != 4 {
		common.Panicf(common.BadArgument, "frame items are %d bytes, not uint32", f.layout.itemSize)
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&f.buf[f.vectorOffset])), f.capacity)
}

// Vector returns items which are in frame. It can be used only for
// frames with 4 byte items.
func (f *Frame) Vector() []uint32 {
	return f.items()[:f.n]
}

// Free returns free part of item vector. Items written there become
// part of frame after Engine.PutNextFrame.
func (f *Frame) Free() []uint32 {
	return f.items()[f.n:]
}

// Item returns memory of item i of any size.
func (f *Frame) Item(i int) []byte {
	if i < 0 || i >= f.capacity {
		common.Panicf(common.BadArgument, "item %d is out of frame with capacity %d", i, f.capacity)
	}
	start := f.vectorOffset + i*f.layout.itemSize
	return f.buf[start : start+f.layout.itemSize : start+f.layout.itemSize]
}

func (f *Frame) aux() []uint32 {
	if f.layout.auxSize != 4 {
		common.Panicf(common.BadArgument, "frame aux data is %d bytes, not uint32", f.layout.auxSize)
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&f.buf[f.auxOffset])), f.capacity)
}

// Aux returns auxiliary data of items in frame, one uint32 per item.
func (f *Frame) Aux() []uint32 {
	return f.aux()[:f.n]
}

// AuxFree returns auxiliary data of free part of frame.
func (f *Frame) AuxFree() []uint32 {
	return f.aux()[f.n:]
}

func (f *Frame) reset() {
	f.n = 0
	f.noAppend = false
}

func (e *Engine) allocFrame(target uint32) *Frame {
	layout := e.runtime(target).Node.layout()
	var f *Frame
	if list := e.freeFrames[layout]; len(list) > 0 {
		f = list[len(list)-1]
		list[len(list)-1] = nil
		e.freeFrames[layout] = list[:len(list)-1]
		e.framesFree--
	} else {
		f = newFrame(layout, e.frameSize)
		e.framesAlloc++
	}
	f.target = target
	return f
}

func (e *Engine) freeFrame(f *Frame) {
	f.reset()
	e.freeFrames[f.layout] = append(e.freeFrames[f.layout], f)
	e.framesFree++
}

// FrameStats returns number of frames allocated by engine and number of
// them which are in free lists now.
func (e *Engine) FrameStats() (allocated, free int) {
	return e.framesAlloc, e.framesFree
}

func (e *Engine) nextTarget(rt *NodeRuntime, next uint32) uint32 {
	target, ok := rt.Node.Next(next)
	if !ok {
		common.Panicf(common.NextNodeNotFound, "node %s has no next node in slot %d", rt.Node.Name, next)
	}
	return target
}

// GetNextFrame returns open frame of arc next of node runtime rt. New
// frame is taken when there is no open one, or wantNew is set, or open
// frame was marked by SetFrameNoAppend. Returned frame always has room
// for at least one item.
func (e *Engine) GetNextFrame(rt *NodeRuntime, next uint32, wantNew bool) *Frame {
	target := e.nextTarget(rt, next)
	for len(rt.nextFrames) <= int(next) {
		rt.nextFrames = append(rt.nextFrames, nil)
	}
	f := rt.nextFrames[next]
	if f != nil && (wantNew || f.noAppend) && f.n > 0 {
		e.flushFrame(rt, next)
		f = nil
	}
	if f == nil {
		f = e.allocFrame(target)
		rt.nextFrames[next] = f
	}
	if f.n >= f.capacity {
		common.Panicf(common.FrameIsFull, "frame of node %s slot %d is full", rt.Node.Name, next)
	}
	return f
}

// PutNextFrame releases frame taken by GetNextFrame. remaining is the
// number of free item slots left in the frame. Frame without free slots
// is flushed at once, others are flushed when node function returns.
func (e *Engine) PutNextFrame(rt *NodeRuntime, next uint32, remaining uint32) {
	if int(next) >= len(rt.nextFrames) || rt.nextFrames[next] == nil {
		common.Panicf(common.FrameOverflow, "node %s releases frame of slot %d it didn't acquire", rt.Node.Name, next)
	}
	f := rt.nextFrames[next]
	if int(remaining) > f.capacity {
		common.Panicf(common.FrameOverflow, "node %s releases frame with %d free slots of %d",
			rt.Node.Name, remaining, f.capacity)
	}
	n := f.capacity - int(remaining)
	if n < f.n {
		common.Panicf(common.FrameOverflow, "node %s releases frame with %d items, it had %d",
			rt.Node.Name, n, f.n)
	}
	f.n = n
	if remaining == 0 {
		e.flushFrame(rt, next)
	}
}

// SetFrameNoAppend marks open frame of arc so that it isn't used by
// following GetNextFrame calls.
func (e *Engine) SetFrameNoAppend(rt *NodeRuntime, next uint32) {
	if int(next) < len(rt.nextFrames) && rt.nextFrames[next] != nil {
		rt.nextFrames[next].noAppend = true
	}
}

// Enqueue adds one item to arc next of node runtime rt.
func (e *Engine) Enqueue(rt *NodeRuntime, next uint32, item uint32) {
	f := e.GetNextFrame(rt, next, false)
	f.items()[f.n] = item
	f.n++
	if f.n == f.capacity {
		e.flushFrame(rt, next)
	}
}

// EnqueueX2 adds two items which can go to different arcs.
func (e *Engine) EnqueueX2(rt *NodeRuntime, next0, next1 uint32, item0, item1 uint32) {
	e.Enqueue(rt, next0, item0)
	e.Enqueue(rt, next1, item1)
}

// EnqueueN adds items to arc next of node runtime rt in their order.
func (e *Engine) EnqueueN(rt *NodeRuntime, next uint32, items []uint32) {
	for len(items) > 0 {
		f := e.GetNextFrame(rt, next, false)
		k := copy(f.items()[f.n:], items)
		f.n += k
		items = items[k:]
		if f.n == f.capacity {
			e.flushFrame(rt, next)
		}
	}
}

// GetFrameToNode returns new frame going directly to node, without arc.
// It must be returned by PutFrameToNode.
func (e *Engine) GetFrameToNode(node uint32) *Frame {
	return e.allocFrame(node)
}

// PutFrameToNode sends frame to its node. Empty frame is just recycled.
func (e *Engine) PutFrameToNode(f *Frame) {
	if f.n == 0 {
		e.freeFrame(f)
		return
	}
	e.pending = append(e.pending, pendingFrame{node: f.target, frame: f})
}

func (e *Engine) flushFrame(rt *NodeRuntime, next uint32) {
	f := rt.nextFrames[next]
	rt.nextFrames[next] = nil
	e.PutFrameToNode(f)
}

// flushNextFrames flushes all open frames of node, it is called when node
// function or process returns to dispatcher.
func (e *Engine) flushNextFrames(rt *NodeRuntime) {
	for i, f := range rt.nextFrames {
		if f != nil {
			e.flushFrame(rt, uint32(i))
		}
	}
}
