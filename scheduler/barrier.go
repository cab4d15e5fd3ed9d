// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/intel-go/nff-graph/common"
)

// NoParticipant can be passed to Sync when caller isn't a participant.
const NoParticipant = -1

// Barrier parks worker loops so that structures they read without locks
// can be changed. Loops join the barrier and call Check at the top of
// every iteration. Check is a single atomic load unless the barrier is
// requested.
type Barrier struct {
	requested atomic.Bool
	syncMu    sync.Mutex

	mu      sync.Mutex
	cond    *sync.Cond
	wakes   map[int]func()
	nextID  int
	except  int
	parked  int
	release chan struct{}
}

// NewBarrier creates barrier without participants.
func NewBarrier() *Barrier {
	b := &Barrier{wakes: make(map[int]func()), except: NoParticipant}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Join adds participant. wake is called when participant should stop
// sleeping and come to Check. Returned id is used in Check and Leave.
func (b *Barrier) Join(wake func()) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if wake == nil {
		wake = func() {}
	}
	b.wakes[id] = wake
	return id
}

// Leave removes participant, it must not be parked.
func (b *Barrier) Leave(id int) {
	b.mu.Lock()
	delete(b.wakes, id)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Check parks calling participant while the barrier is held by
// somebody else.
func (b *Barrier) Check(id int) {
	if !b.requested.Load() {
		return
	}
	b.mu.Lock()
	if !b.requested.Load() || b.except == id {
		b.mu.Unlock()
		return
	}
	b.parked++
	ch := b.release
	b.cond.Broadcast()
	b.mu.Unlock()
	<-ch
}

// Held reports whether barrier is currently held.
func (b *Barrier) Held() bool {
	return b.requested.Load()
}

// Sync waits until every participant except the given one is parked.
// Barriers don't nest, every Sync must be followed by Release. A
// participant calling Sync is parked by barrier held by somebody else
// while it waits for its turn.
func (b *Barrier) Sync(except int) {
	b.lock(except)
	b.mu.Lock()
	b.release = make(chan struct{})
	b.except = except
	b.parked = 0
	b.requested.Store(true)
	wakes := make([]func(), 0, len(b.wakes))
	for id, wake := range b.wakes {
		if id != except {
			wakes = append(wakes, wake)
		}
	}
	b.mu.Unlock()

	for _, wake := range wakes {
		wake()
	}

	b.mu.Lock()
	for b.parked < b.expected() {
		b.cond.Wait()
	}
	b.mu.Unlock()
	common.LogDebug(common.Verbose, "Barrier is synced")
}

func (b *Barrier) lock(id int) {
	if id == NoParticipant {
		b.syncMu.Lock()
		return
	}
	for !b.syncMu.TryLock() {
		b.Check(id)
		runtime.Gosched()
	}
}

func (b *Barrier) expected() int {
	n := len(b.wakes)
	if _, ok := b.wakes[b.except]; ok {
		n--
	}
	return n
}

// Release resumes parked participants.
func (b *Barrier) Release() {
	b.mu.Lock()
	if !b.requested.Load() {
		b.mu.Unlock()
		common.Panicf(common.BarrierNotHeld, "release of barrier which isn't held")
	}
	b.requested.Store(false)
	b.except = NoParticipant
	close(b.release)
	b.mu.Unlock()
	b.syncMu.Unlock()
}
