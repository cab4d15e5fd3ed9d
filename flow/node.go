// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"strconv"

	"github.com/intel-go/nff-graph/common"
)

// NodeType is a category of node. It defines when dispatcher calls node.
type NodeType uint8

const (
	// NodeInternal nodes are called when frames are pending for them or
	// when they are flagged by interrupt.
	NodeInternal NodeType = iota
	// NodeInput nodes bring items to the graph. They are called every
	// loop iteration in polling state or when flagged in interrupt state.
	NodeInput
	// NodePreInput nodes are called before input nodes in every iteration.
	NodePreInput
	// NodeProcess nodes are cooperative processes owned by main engine.
	NodeProcess
	nodeTypes
)

func (t NodeType) String() string {
	switch t {
	case NodeInternal:
		return "internal"
	case NodeInput:
		return "input"
	case NodePreInput:
		return "pre-input"
	case NodeProcess:
		return "process"
	}
	return "unknown"
}

// NodeState is a dispatch state of node runtime.
type NodeState uint8

const (
	// NodePolling - node is called every iteration.
	NodePolling NodeState = iota
	// NodeInterrupt - node is called only when interrupt is pending.
	NodeInterrupt
	// NodeDisabled - node is never called.
	NodeDisabled
)

func (s NodeState) String() string {
	switch s {
	case NodePolling:
		return "polling"
	case NodeInterrupt:
		return "interrupt"
	case NodeDisabled:
		return "disabled"
	}
	return "unknown"
}

// NodeFlags are registration flags of node.
type NodeFlags uint16

const (
	// NodeAllowLazyNextNodes allows arcs to nodes which aren't registered
	// yet even after graph finalization.
	NodeAllowLazyNextNodes NodeFlags = 1 << iota
	// NodeTraceSupported marks nodes which can trace items.
	NodeTraceSupported
)

// RuntimeDataBytes is the size of scratch memory inside node runtime.
const RuntimeDataBytes = 64

// defaultItemSize is the size of one item reference.
const defaultItemSize = 4

// unresolvedNext marks arc which target isn't registered yet.
const unresolvedNext = ^uint32(0)

// NodeFunction processes frame f of node runtime rt and returns number
// of processed items. Frame f is nil when node is called because it is
// input node or interrupt is pending for it. Node must not keep f after
// return.
type NodeFunction func(e *Engine, rt *NodeRuntime, f *Frame) uint32

// NodeRegistration describes node for Graph.RegisterNode.
type NodeRegistration struct {
	Name string
	Type NodeType
	// Function is required for all nodes except processes.
	Function NodeFunction
	// Process is required for process nodes.
	Process ProcessFunction
	// Size of one item of frames coming to this node. Default is 4 bytes,
	// one uint32 reference.
	ItemSize int
	// Size of scalar header of frames coming to this node.
	ScalarSize int
	// Size of per item auxiliary data of frames coming to this node.
	AuxSize int
	// Symbolic names of next nodes, index in slice is arc index.
	NextNodes []string
	// Names of node error counters.
	ErrorStrings []string
	// Initial content of runtime scratch memory.
	RuntimeData []byte
	// Initial state, input nodes poll by default.
	State NodeState
	Flags NodeFlags
}

// Node is a static description of registered node.
type Node struct {
	Index        uint32
	Name         string
	Type         NodeType
	Flags        NodeFlags
	RuntimeIndex uint32
	ItemSize     int
	ScalarSize   int
	AuxSize      int
	// ErrorBase is offset of the first node counter in engine counters.
	ErrorBase    uint32
	ErrorStrings []string

	next        []uint32
	nextNames   []string
	function    NodeFunction
	process     ProcessFunction
	state       NodeState
	runtimeData []byte
}

// NNext returns number of node arcs.
func (n *Node) NNext() int {
	return len(n.next)
}

// Next returns target node of arc slot. ok is false for unknown slot or
// not yet resolved lazy arc.
func (n *Node) Next(slot uint32) (uint32, bool) {
	if int(slot) >= len(n.next) || n.next[slot] == unresolvedNext {
		return 0, false
	}
	return n.next[slot], true
}

// NextName returns symbolic name of target node of arc slot.
func (n *Node) NextName(slot uint32) string {
	if int(slot) >= len(n.nextNames) {
		return ""
	}
	return n.nextNames[slot]
}

func (n *Node) layout() frameLayout {
	return frameLayout{itemSize: n.ItemSize, scalarSize: n.ScalarSize, auxSize: n.AuxSize}
}

// RegisterNode adds node to graph and returns its index. Index is stable
// while graph lives. Registration of running graph requires barrier.
func (g *Graph) RegisterNode(reg *NodeRegistration) (uint32, error) {
	g.checkMutable("register node " + reg.Name)
	if reg.Name == "" {
		return 0, common.WrapWithNFError(nil, "node name is empty", common.BadArgument)
	}
	if reg.Type >= nodeTypes {
		return 0, common.WrapWithNFError(nil, "node "+reg.Name+" has unknown type", common.BadArgument)
	}
	if reg.Type == NodeProcess && reg.Process == nil || reg.Type != NodeProcess && reg.Function == nil {
		return 0, common.WrapWithNFError(nil, "node "+reg.Name+" has no function", common.BadArgument)
	}
	if len(reg.RuntimeData) > RuntimeDataBytes {
		return 0, common.WrapWithNFError(nil, "runtime data of node "+reg.Name+" exceeds "+
			strconv.Itoa(RuntimeDataBytes)+" bytes", common.BadArgument)
	}
	if reg.ItemSize < 0 || reg.ScalarSize < 0 || reg.AuxSize < 0 {
		return 0, common.WrapWithNFError(nil, "node "+reg.Name+" has negative frame layout", common.BadArgument)
	}

	g.mu.Lock()
	if _, ok := g.byName[reg.Name]; ok {
		g.mu.Unlock()
		return 0, common.WrapWithNFError(nil, "node "+reg.Name+" is already registered", common.DuplicateNode)
	}
	node := &Node{
		Index:        uint32(len(g.nodes)),
		Name:         reg.Name,
		Type:         reg.Type,
		Flags:        reg.Flags,
		ItemSize:     reg.ItemSize,
		ScalarSize:   reg.ScalarSize,
		AuxSize:      reg.AuxSize,
		ErrorBase:    uint32(len(g.errorNames)),
		ErrorStrings: append([]string(nil), reg.ErrorStrings...),
		function:     reg.Function,
		process:      reg.Process,
		state:        reg.State,
		runtimeData:  reg.RuntimeData,
	}
	if node.ItemSize == 0 {
		node.ItemSize = defaultItemSize
	}
	for _, s := range node.ErrorStrings {
		g.errorNames = append(g.errorNames, node.Name+"/"+s)
	}
	// Readers of node list expect runtimes of every listed node.
	for _, e := range g.engines {
		e.addRuntime(node)
	}
	g.nodes = append(g.nodes, node)
	g.byName[node.Name] = node.Index
	g.mu.Unlock()

	var err error
	for _, name := range reg.NextNodes {
		if _, e := g.AddNamedNext(node.Index, name); e != nil && err == nil {
			err = e
		}
	}
	g.resolveArcsTo(node)

	common.LogDebug(common.Initialization, "Register", node.Type, "node", node.Name, "with index", node.Index)
	return node.Index, err
}

// Node returns node by index or nil if there is no such node.
func (g *Graph) Node(index uint32) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(index) >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// NodeByName looks node up by its name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	index, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[index], true
}

// Nodes returns all registered nodes in registration order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Node(nil), g.nodes...)
}

func (g *Graph) mustNode(index uint32) *Node {
	node := g.Node(index)
	if node == nil {
		common.Panicf(common.UnknownNode, "node with index %d is not registered", index)
	}
	return node
}

// AddNext adds arc from node to next and returns its slot. If such arc
// already exists its slot is returned.
func (g *Graph) AddNext(node, next uint32) uint32 {
	return g.AddNextWithSlot(node, next, unresolvedNext)
}

// AddNextWithSlot puts arc from node to next in given slot. Slot ^0
// means the first free one, or existing slot of the same arc.
func (g *Graph) AddNextWithSlot(node, next uint32, slot uint32) uint32 {
	g.checkMutable("add next node")
	from := g.mustNode(node)
	to := g.mustNode(next)

	g.mu.Lock()
	defer g.mu.Unlock()
	return from.setNext(slot, to.Index, to.Name)
}

func (n *Node) setNext(slot uint32, target uint32, name string) uint32 {
	if slot == unresolvedNext {
		for i := range n.next {
			if name != "" && n.nextNames[i] == name {
				n.next[i] = target
				return uint32(i)
			}
		}
		slot = uint32(len(n.next))
	}
	for uint32(len(n.next)) <= slot {
		n.next = append(n.next, unresolvedNext)
		n.nextNames = append(n.nextNames, "")
	}
	n.next[slot] = target
	n.nextNames[slot] = name
	return slot
}

// AddNamedNext adds arc from node to node with given name. Before graph
// finalization target can be registered later. After finalization an
// absent target is an error unless node allows lazy next nodes.
func (g *Graph) AddNamedNext(node uint32, name string) (uint32, error) {
	return g.AddNamedNextWithSlot(node, name, unresolvedNext)
}

// AddNamedNextWithSlot is AddNamedNext with explicit slot.
func (g *Graph) AddNamedNextWithSlot(node uint32, name string, slot uint32) (uint32, error) {
	if next, ok := g.NodeByName(name); ok {
		return g.AddNextWithSlot(node, next.Index, slot), nil
	}
	g.checkMutable("add next node")
	from := g.mustNode(node)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized && from.Flags&NodeAllowLazyNextNodes == 0 {
		return 0, common.WrapWithNFError(nil, "next node "+name+" of node "+from.Name+" is not registered",
			common.NextNodeNotFound)
	}
	return from.setNext(slot, unresolvedNext, name), nil
}

// resolveArcsTo binds arcs waiting for just registered node.
func (g *Graph) resolveArcsTo(node *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		for i := range n.next {
			if n.next[i] == unresolvedNext && n.nextNames[i] == node.Name {
				n.next[i] = node.Index
			}
		}
	}
}

// ResolveLazyNextNodes binds all unresolved arcs which targets are
// registered now and returns an error for arcs which still can't be bound
// and don't belong to lazy nodes.
func (g *Graph) ResolveLazyNextNodes() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	for _, n := range g.nodes {
		for i := range n.next {
			if n.next[i] != unresolvedNext || n.nextNames[i] == "" {
				continue
			}
			if index, ok := g.byName[n.nextNames[i]]; ok {
				n.next[i] = index
			} else if n.Flags&NodeAllowLazyNextNodes == 0 && err == nil {
				err = common.WrapWithNFError(nil, "next node "+n.nextNames[i]+" of node "+n.Name+
					" is not registered", common.NextNodeNotFound)
			}
		}
	}
	return err
}
