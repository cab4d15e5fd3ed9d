// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package low contains thread level primitives used by engine loops:
// pinning of OS threads and mailboxes for messages between them.
package low

import (
	"github.com/golang-collections/go-datastructures/queue"

	"github.com/intel-go/nff-graph/common"
)

// Mailbox is a multi producer, single consumer message queue. Any
// goroutine can Put messages, only the owning loop may Drain them.
type Mailbox struct {
	q *queue.Queue
}

// NewMailbox creates mailbox, hint is expected number of messages
// waiting at once.
func NewMailbox(hint int64) *Mailbox {
	return &Mailbox{q: queue.New(hint)}
}

// Put adds messages to the tail of the mailbox.
func (m *Mailbox) Put(msgs ...interface{}) error {
	if err := m.q.Put(msgs...); err != nil {
		return common.WrapWithNFError(err, "mailbox is disposed", common.MailboxDisposed)
	}
	return nil
}

// Len returns number of messages waiting in the mailbox.
func (m *Mailbox) Len() int {
	return int(m.q.Len())
}

// Drain calls fn for every message which was in the mailbox at the moment
// of call, in the order they were put. It never blocks and returns the
// number of handled messages.
func (m *Mailbox) Drain(fn func(msg interface{})) int {
	n := m.q.Len()
	if n == 0 {
		return 0
	}
	// Get doesn't block here: we are the only consumer and n items are ready.
	items, err := m.q.Get(n)
	if err != nil {
		return 0
	}
	for _, item := range items {
		fn(item)
	}
	return len(items)
}

// Dispose releases mailbox. Following Put calls fail.
func (m *Mailbox) Dispose() {
	m.q.Dispose()
}
