// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wheel implements hierarchical tick based timer wheel.
//
// Three levels of 256 slots cover 2^24 ticks ahead of current time,
// timers which are further away wait in overflow list. Each timer carries
// opaque 64-bit payload which is returned by Expire. Wheel isn't safe for
// concurrent use, it belongs to one engine thread.
package wheel

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/intel-go/nff-graph/common"
)

const (
	levelBits     = 8
	slotsPerLevel = 1 << levelBits
	slotMask      = slotsPerLevel - 1
	levels        = 3

	level1Span = 1 << (2 * levelBits)
	level2Span = 1 << (3 * levelBits)

	levelFree     = -1
	levelOverflow = levels
	nilIndex      = -1
)

// Handle identifies started timer. It holds pool index in low half
// and generation in high half, so handle of already fired timer is
// never mistaken for newer timer which reused the same slot.
// Zero Handle is never returned by Start.
type Handle uint64

func makeHandle(index uint32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type timer struct {
	expiry  uint64
	payload uint64
	gen     uint32
	level   int8
	slot    uint8
	prev    int32
	next    int32
}

// Wheel is a timer wheel. Time is measured in ticks, translating
// ticks to wall clock is a business of wheel user.
type Wheel struct {
	timers   []timer
	free     []uint32
	heads    [levels + 1][slotsPerLevel]int32
	occupied [levels]*bitset.BitSet
	current  uint64
	count    int
}

// New creates empty wheel which current time is now ticks.
func New(now uint64) *Wheel {
	w := &Wheel{current: now}
	for l := range w.heads {
		for s := range w.heads[l] {
			w.heads[l][s] = nilIndex
		}
	}
	for l := range w.occupied {
		w.occupied[l] = bitset.New(slotsPerLevel)
	}
	return w
}

// Now returns the last tick processed by Expire.
func (w *Wheel) Now() uint64 {
	return w.current
}

// Len returns number of running timers.
func (w *Wheel) Len() int {
	return w.count
}

// Start adds timer which expires interval ticks after current time.
// Intervals smaller than one tick are rounded up to one tick.
func (w *Wheel) Start(payload uint64, interval uint64) Handle {
	if interval == 0 {
		interval = 1
	}
	var index uint32
	if n := len(w.free); n > 0 {
		index = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		index = uint32(len(w.timers))
		w.timers = append(w.timers, timer{level: levelFree})
	}
	t := &w.timers[index]
	t.gen++
	if t.gen == 0 {
		t.gen = 1
	}
	t.expiry = w.current + interval
	t.payload = payload
	w.insert(int32(index))
	w.count++
	return makeHandle(index, t.gen)
}

// HandleIsFree reports whether timer behind h has already expired or
// was stopped. Stop must be called only for handles which aren't free.
func (w *Wheel) HandleIsFree(h Handle) bool {
	index := h.index()
	if h == 0 || int(index) >= len(w.timers) {
		return true
	}
	t := &w.timers[index]
	return t.level == levelFree || t.gen != h.gen()
}

// Stop cancels running timer.
func (w *Wheel) Stop(h Handle) {
	if w.HandleIsFree(h) {
		common.Panicf(common.BadArgument, "stop of free timer handle %#x", uint64(h))
	}
	index := int32(h.index())
	w.unlink(index)
	w.release(index)
}

// Expire advances wheel time up to now and appends payloads of all
// timers which expiry is not later than now to out in expiration order.
func (w *Wheel) Expire(now uint64, out []uint64) []uint64 {
	for w.current < now {
		if w.count == 0 {
			w.current = now
			break
		}
		t := w.nextTick(now)
		w.current = t
		if t&slotMask == 0 {
			if t&(level1Span-1) == 0 {
				if t&(level2Span-1) == 0 {
					w.cascade(levelOverflow, 0)
				}
				w.cascade(2, uint8(t>>(2*levelBits)))
			}
			w.cascade(1, uint8(t>>levelBits))
		}
		out = w.expireSlot(uint8(t), out)
	}
	return out
}

// NextExpiry returns number of ticks after which Expire may have
// something to do. It can be earlier than real expiration when higher
// level slot must be cascaded. ok is false when wheel is empty.
func (w *Wheel) NextExpiry() (ticks uint64, ok bool) {
	if w.count == 0 {
		return 0, false
	}
	return w.nextTick(^uint64(0)) - w.current, true
}

// nextTick returns the closest tick after current which has either
// level 0 timers or a cascade boundary, but not after limit.
func (w *Wheel) nextTick(limit uint64) uint64 {
	t := w.current + 1
	boundary := (w.current | slotMask) + 1
	if t != boundary {
		if i, ok := w.occupied[0].NextSet(uint(t & slotMask)); ok {
			t = (w.current &^ slotMask) + uint64(i)
		} else {
			t = boundary
		}
	}
	if t > limit {
		return limit
	}
	return t
}

func (w *Wheel) insert(index int32) {
	t := &w.timers[index]
	delta := t.expiry - w.current
	var level int8
	var slot uint8
	switch {
	case delta < slotsPerLevel:
		level, slot = 0, uint8(t.expiry)
	case delta < level1Span:
		level, slot = 1, uint8(t.expiry>>levelBits)
	case delta < level2Span:
		level, slot = 2, uint8(t.expiry>>(2*levelBits))
	default:
		level, slot = levelOverflow, 0
	}
	t.level = level
	t.slot = slot
	t.prev = nilIndex
	t.next = w.heads[level][slot]
	if t.next != nilIndex {
		w.timers[t.next].prev = index
	}
	w.heads[level][slot] = index
	if level < levels {
		w.occupied[level].Set(uint(slot))
	}
}

func (w *Wheel) unlink(index int32) {
	t := &w.timers[index]
	if t.prev != nilIndex {
		w.timers[t.prev].next = t.next
	} else {
		w.heads[t.level][t.slot] = t.next
		if t.next == nilIndex && t.level < levels {
			w.occupied[t.level].Clear(uint(t.slot))
		}
	}
	if t.next != nilIndex {
		w.timers[t.next].prev = t.prev
	}
}

func (w *Wheel) release(index int32) {
	w.timers[index].level = levelFree
	w.free = append(w.free, uint32(index))
	w.count--
}

// detach empties slot and returns head of its former list.
func (w *Wheel) detach(level int, slot uint8) int32 {
	head := w.heads[level][slot]
	w.heads[level][slot] = nilIndex
	if level < levels {
		w.occupied[level].Clear(uint(slot))
	}
	return head
}

func (w *Wheel) cascade(level int, slot uint8) {
	for i := w.detach(level, slot); i != nilIndex; {
		next := w.timers[i].next
		w.insert(i)
		i = next
	}
}

func (w *Wheel) expireSlot(slot uint8, out []uint64) []uint64 {
	head := w.detach(0, slot)
	// List is LIFO, collect it first to report timers in start order.
	first := len(out)
	for i := head; i != nilIndex; {
		t := &w.timers[i]
		next := t.next
		out = append(out, t.payload)
		w.release(i)
		i = next
	}
	for l, r := first, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
