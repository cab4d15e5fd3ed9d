// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flow is the main package of nff-graph library. It provides
// graph of processing nodes through which batches of item references
// are routed, and cooperative processes running inside the graph.
//
// Preparations of construction:
// Graph is created by NewGraph. Nodes are registered by RegisterNode and
// connected by AddNext and AddNamedNext functions or by NextNodes in
// registration. Processes are created by CreateProcess.
//
// Node types:
// Input and pre-input nodes bring items into graph, they are called every
// loop iteration in polling state. Internal nodes are called when frames
// are sent to them or interrupt is set for them. Processes are long
// lived tasks which can suspend, yield and wait for events.
//
// Start:
// Finalize resolves all named arcs. Start runs one loop per engine, the
// main one and Config.Workers more. Each engine has its own copy of node
// runtimes, frames and timers. Processes belong to the main engine.
// Structural changes of running graph are allowed only inside Barrier.
package flow

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/scheduler"
)

// Graph is a registry of nodes and a set of engines running them.
type Graph struct {
	config *Config

	mu         sync.RWMutex
	nodes      []*Node
	byName     map[string]uint32
	errorNames []string
	finalized  bool

	cpus      []int
	engines   []*Engine
	barrier   *scheduler.Barrier
	sched     *scheduler.Scheduler
	running   atomic.Bool
	telemetry *http.Server
	reporter  *reporter

	dropNode uint32
	nullNode uint32
}

// NewGraph creates graph with main engine and config.Workers worker
// engines. Predefined nodes "drop" and "null" are registered at once.
func NewGraph(config *Config) (*Graph, error) {
	var c Config
	if config != nil {
		c = *config
	}
	c.setDefaults()
	common.SetLogType(c.LogType)

	g := &Graph{
		config:  &c,
		byName:  make(map[string]uint32),
		barrier: scheduler.NewBarrier(),
	}
	if c.CPUList != "" {
		cpus, err := common.ParseCPUs(c.CPUList, int(c.Workers)+1)
		if err != nil {
			return nil, err
		}
		if len(cpus) < int(c.Workers)+1 {
			return nil, common.WrapWithNFError(nil, "cpu list "+c.CPUList+" doesn't have a core for every engine",
				common.NotEnoughCores)
		}
		g.cpus = cpus
	}
	for i := 0; i <= int(c.Workers); i++ {
		g.engines = append(g.engines, newEngine(g, i))
	}
	if err := g.registerPredefined(); err != nil {
		return nil, err
	}
	common.LogDebug(common.Initialization, "Graph is created with", len(g.engines), "engines")
	return g, nil
}

// Config returns configuration of graph with defaults applied.
func (g *Graph) Config() *Config {
	return g.config
}

// Main returns main engine, which runs processes.
func (g *Graph) Main() *Engine {
	return g.engines[0]
}

// Engine returns engine by index.
func (g *Graph) Engine(i int) *Engine {
	return g.engines[i]
}

// Engines returns number of engines.
func (g *Graph) Engines() int {
	return len(g.engines)
}

// IsRunning reports whether engine loops are started.
func (g *Graph) IsRunning() bool {
	return g.running.Load()
}

// checkMutable panics when structure of running graph is changed
// without barrier.
func (g *Graph) checkMutable(what string) {
	if g.running.Load() && !g.barrier.Held() {
		common.Panicf(common.BarrierNotHeld, "%s while graph is running requires barrier", what)
	}
}

// Finalize binds named arcs. After it arcs to unknown nodes are
// errors for nodes without NodeAllowLazyNextNodes flag.
func (g *Graph) Finalize() error {
	if err := g.ResolveLazyNextNodes(); err != nil {
		return err
	}
	g.mu.Lock()
	g.finalized = true
	g.mu.Unlock()
	return nil
}

// Barrier runs fn while all engines are parked. It must not be called
// from engine loops, they should use Engine.Barrier.
func (g *Graph) Barrier(fn func()) {
	if !g.running.Load() {
		fn()
		return
	}
	g.barrier.Sync(scheduler.NoParticipant)
	defer g.barrier.Release()
	fn()
}

// Start runs loops of all engines, telemetry server and statistics
// reporter. Graph stops when ctx is cancelled or Stop is called.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.RLock()
	finalized := g.finalized
	g.mu.RUnlock()
	if !finalized {
		if err := g.Finalize(); err != nil {
			return err
		}
	}
	if g.running.Swap(true) {
		return common.WrapWithNFError(nil, "graph is already running", common.GraphIsRunning)
	}
	common.LogTitle(common.Initialization, "------------***------- Starting engines -------***------------")
	g.sched = scheduler.NewScheduler(g.cpus)
	g.sched.Start(ctx)
	for _, e := range g.engines {
		if err := g.sched.StartWorker(e.name, e.Run); err != nil {
			g.sched.Stop()
			g.sched.Wait()
			g.running.Store(false)
			return err
		}
	}
	if g.config.TelemetryAddress != "" {
		if err := g.startTelemetry(g.config.TelemetryAddress); err != nil {
			g.Stop()
			g.Wait()
			return err
		}
	}
	g.reporter = newReporter(g)
	g.reporter.start()
	common.LogTitle(common.Initialization, "------------***------- nff-graph started ------***------------")
	return nil
}

// Stop asks all engine loops to return. Wait should be used to join them.
func (g *Graph) Stop() {
	if g.sched != nil {
		g.sched.Stop()
	}
	for _, e := range g.engines {
		e.Stop()
	}
}

// Wait blocks until engine loops return, then stops telemetry and
// finishes goroutines of processes. It returns the first loop error.
func (g *Graph) Wait() error {
	var err error
	if g.sched != nil {
		err = g.sched.Wait()
	}
	if g.reporter != nil {
		g.reporter.stop()
		g.reporter = nil
	}
	g.stopTelemetry()
	g.running.Store(false)
	common.LogDebug(common.Initialization, "All engines are stopped")
	return err
}

// Close finishes goroutines of all processes. Graph can't be started
// after Close.
func (g *Graph) Close() {
	if g.running.Load() {
		g.Stop()
		g.Wait()
	}
	for _, rt := range g.Main().byType[NodeProcess] {
		rt.process.shutdown()
	}
	for _, e := range g.engines {
		e.mailbox.Dispose()
	}
}

// CheckFatal is a default error handler for nff-graph functions. It
// logs error and exits if error isn't nil.
func CheckFatal(err error) {
	if err != nil {
		if nfErr := common.GetNFError(err); nfErr != nil {
			common.LogFatalf(common.No, "failed with message and code: %+v\n", nfErr)
		}
		common.LogFatalf(common.No, "failed with message: %s\n", err.Error())
	}
}
