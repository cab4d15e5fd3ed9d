// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

// Names of predefined nodes.
const (
	DropNodeName = "drop"
	NullNodeName = "null"
)

// Counters of drop node.
const (
	dropCounterDropped = iota
)

func (g *Graph) registerPredefined() error {
	var err error
	if g.dropNode, err = g.RegisterNode(&NodeRegistration{
		Name:         DropNodeName,
		Type:         NodeInternal,
		Function:     g.dropFunction,
		ErrorStrings: []string{"dropped"},
	}); err != nil {
		return err
	}
	g.nullNode, err = g.RegisterNode(&NodeRegistration{
		Name:     NullNodeName,
		Type:     NodeInternal,
		Function: nullFunction,
	})
	return err
}

// DropNode returns index of node which takes items out of graph.
func (g *Graph) DropNode() uint32 {
	return g.dropNode
}

// NullNode returns index of node which ignores frames sent to it.
func (g *Graph) NullNode() uint32 {
	return g.nullNode
}

func (g *Graph) dropFunction(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
	if f == nil {
		return 0
	}
	e.IncrementCounter(rt, dropCounterDropped, uint64(f.Len()))
	g.freeItems(f)
	return uint32(f.Len())
}

func nullFunction(e *Engine, rt *NodeRuntime, f *Frame) uint32 {
	if f == nil {
		return 0
	}
	return uint32(f.Len())
}

// freeItems hands items of frame to Config.FreeItems.
func (g *Graph) freeItems(f *Frame) {
	if g.config.FreeItems != nil && f.layout.itemSize == defaultItemSize && f.Len() > 0 {
		g.config.FreeItems(f.Vector())
	}
}
