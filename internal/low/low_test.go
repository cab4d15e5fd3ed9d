// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package low

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailboxReorder(t *testing.T) {
	m := NewMailbox(64)
	next := 0
	expected := 0
	for k := 0; k < 100; k++ {
		burst := rand.Intn(64) + 1
		for j := 0; j < burst; j++ {
			require.NoError(t, m.Put(next))
			next++
		}
		m.Drain(func(msg interface{}) {
			if msg.(int) != expected {
				t.Fatalf("Mailbox reorder message. Got %d instead of %d.", msg.(int), expected)
			}
			expected++
		})
	}
	require.Equal(t, next, expected)
	require.Equal(t, 0, m.Drain(func(interface{}) {}))
}

func TestMailboxProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000
	m := NewMailbox(16)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Put([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	total := m.Drain(func(msg interface{}) {
		v := msg.([2]int)
		// Messages of one producer keep their order.
		require.Equal(t, last[v[0]]+1, v[1])
		last[v[0]] = v[1]
	})
	require.Equal(t, producers*perProducer, total)
}

func TestMailboxDispose(t *testing.T) {
	m := NewMailbox(1)
	m.Dispose()
	require.Error(t, m.Put(1))
}

func TestSetAffinity(t *testing.T) {
	cpus, err := AllowedCPUs()
	require.NoError(t, err)
	require.NotEmpty(t, cpus)

	done := make(chan error)
	// Goroutine exits locked, so its pinned thread is not reused.
	go func() {
		done <- SetAffinity(cpus[len(cpus)-1])
	}()
	require.NoError(t, <-done)
}
