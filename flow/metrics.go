// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/intel-go/nff-graph/common"
)

// Metric names reported to Config.MetricSink.
var (
	MetricNodeCalls       = []string{"nffgraph", "node", "calls"}
	MetricNodeVectors     = []string{"nffgraph", "node", "vectors"}
	MetricNodeSuspends    = []string{"nffgraph", "node", "suspends"}
	MetricNodeErrors      = []string{"nffgraph", "node", "errors"}
	MetricEngineLoops     = []string{"nffgraph", "engine", "loops"}
	MetricEngineMailboxes = []string{"nffgraph", "engine", "mailbox", "length"}
)

// TelemetryLabel is a name of metric label.
type TelemetryLabel string

// Labels of reported metrics.
var (
	LabelNode     TelemetryLabel = "node"
	LabelNodeType TelemetryLabel = "type"
	LabelError    TelemetryLabel = "error"
	LabelEngine   TelemetryLabel = "engine"
)

// M makes metric label with value val.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// reporter periodically pushes node statistics to metric sink.
type reporter struct {
	graph    *Graph
	sink     metrics.MetricSink
	interval time.Duration
	// Error counter values at the previous report.
	reported []uint64
	done     chan struct{}
	wg       sync.WaitGroup
}

func newReporter(g *Graph) *reporter {
	return &reporter{
		graph:    g,
		sink:     g.config.MetricSink,
		interval: time.Duration(g.config.DebugTime) * time.Millisecond,
		done:     make(chan struct{}),
	}
}

func (r *reporter) start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				r.report()
				return
			case <-ticker.C:
				r.report()
			}
		}
	}()
}

func (r *reporter) stop() {
	close(r.done)
	r.wg.Wait()
}

// report emits gauges of all nodes and engines and increments of error
// counters since previous report.
func (r *reporter) report() {
	g := r.graph
	g.mu.RLock()
	defer g.mu.RUnlock()

	var calls, vectors uint64
	for _, node := range g.nodes {
		labels := []metrics.Label{LabelNode.M(node.Name), LabelNodeType.M(node.Type.String())}
		s := g.nodeStats(node)
		r.sink.SetGaugeWithLabels(MetricNodeCalls, float32(s.Calls), labels)
		r.sink.SetGaugeWithLabels(MetricNodeVectors, float32(s.Vectors), labels)
		if node.Type == NodeProcess {
			r.sink.SetGaugeWithLabels(MetricNodeSuspends, float32(s.Suspends), labels)
		}
		calls += s.Calls
		vectors += s.Vectors
	}

	for len(r.reported) < len(g.errorNames) {
		r.reported = append(r.reported, 0)
	}
	for i, name := range g.errorNames {
		v := g.counterTotal(uint32(i))
		if delta := v - r.reported[i]; delta != 0 {
			node, counter, _ := strings.Cut(name, "/")
			r.sink.IncrCounterWithLabels(MetricNodeErrors, float32(delta),
				[]metrics.Label{LabelNode.M(node), LabelError.M(counter)})
		}
		r.reported[i] = v
	}

	for _, e := range g.engines {
		labels := []metrics.Label{LabelEngine.M(strconv.Itoa(e.index))}
		r.sink.SetGaugeWithLabels(MetricEngineLoops, float32(e.MainLoopCount()), labels)
		r.sink.SetGaugeWithLabels(MetricEngineMailboxes, float32(e.mailbox.Len()), labels)
	}
	common.LogDebug(common.Debug, "Nodes made", calls, "calls and processed", vectors, "items")
}
