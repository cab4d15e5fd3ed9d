// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"github.com/intel-go/nff-graph/common"
)

type interruptRequest uint32

type rpcCall func(e *Engine)

// SetInterruptPending makes dispatcher call node in this or the next
// iteration. Node is called once however many times interrupt is set.
// Processes are resumed by events, not interrupts.
func (e *Engine) SetInterruptPending(node uint32) {
	rt := e.runtime(node)
	if rt.Node.Type == NodeProcess {
		common.Panicf(common.WrongNodeType, "interrupt of process %s, signal an event instead", rt.Node.Name)
	}
	if rt.interruptPending {
		return
	}
	rt.interruptPending = true
	e.interrupts = append(e.interrupts, node)
}

// SetInterruptPendingMT is SetInterruptPending for any goroutine. It
// wakes engine loop if it sleeps.
func (e *Engine) SetInterruptPendingMT(node uint32) {
	n := e.graph.Node(node)
	switch {
	case n == nil:
		common.Panicf(common.UnknownNode, "interrupt of unknown node %d", node)
	case n.Type == NodeProcess:
		common.Panicf(common.WrongNodeType, "interrupt of process %s, signal an event instead", n.Name)
	}
	e.post(interruptRequest(node))
}

// RPC makes engine loop call fn at the start of its next iteration. It
// can be called from any goroutine.
func (e *Engine) RPC(fn func(e *Engine)) {
	e.post(rpcCall(fn))
}

func (e *Engine) post(msg interface{}) {
	if err := e.mailbox.Put(msg); err != nil {
		common.LogWarning(common.Debug, e.name, "doesn't accept messages:", err)
		return
	}
	e.Wake()
}

func (e *Engine) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case interruptRequest:
		e.SetInterruptPending(uint32(m))
	case rpcCall:
		m(e)
	default:
		common.LogWarning(common.Debug, e.name, "got unknown message", m)
	}
}
