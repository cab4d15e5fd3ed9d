// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/intel-go/nff-graph/common"
)

// NodeStats is a statistics of node summed over all engines.
type NodeStats struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Calls    uint64            `json:"calls"`
	Vectors  uint64            `json:"vectors"`
	Suspends uint64            `json:"suspends"`
	Clocks   time.Duration     `json:"clocks_ns"`
	Errors   map[string]uint64 `json:"errors,omitempty"`
	Next     []string          `json:"next,omitempty"`
}

func (g *Graph) nodeStats(node *Node) NodeStats {
	s := NodeStats{
		Name: node.Name,
		Type: node.Type.String(),
	}
	for _, e := range g.engines {
		rt := e.runtime(node.Index)
		s.Calls += rt.Calls()
		s.Vectors += rt.Vectors()
		s.Suspends += rt.Suspends()
		s.Clocks += rt.Clocks()
	}
	if len(node.ErrorStrings) > 0 {
		s.Errors = make(map[string]uint64, len(node.ErrorStrings))
		for i, name := range node.ErrorStrings {
			s.Errors[name] = g.counterTotal(node.ErrorBase + uint32(i))
		}
	}
	for i := range node.next {
		s.Next = append(s.Next, node.nextNames[i])
	}
	return s
}

func (g *Graph) counterTotal(index uint32) uint64 {
	var sum uint64
	for _, e := range g.engines {
		sum += e.counter(index)
	}
	return sum
}

// NodeStats returns statistics of node with given name.
func (g *Graph) NodeStats(name string) (NodeStats, bool) {
	node, ok := g.NodeByName(name)
	if !ok {
		return NodeStats{}, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeStats(node), true
}

// AllNodeStats returns statistics of all nodes by their names.
func (g *Graph) AllNodeStats() map[string]NodeStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := make(map[string]NodeStats, len(g.nodes))
	for _, node := range g.nodes {
		stats[node.Name] = g.nodeStats(node)
	}
	return stats
}

// ErrorCounters returns all non zero error counters summed over engines.
// Keys are "node/error".
func (g *Graph) ErrorCounters() map[string]uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counters := make(map[string]uint64)
	for i, name := range g.errorNames {
		if v := g.counterTotal(uint32(i)); v != 0 {
			counters[name] = v
		}
	}
	return counters
}

func (g *Graph) handler(w http.ResponseWriter, r *http.Request) {
	url := strings.Split(r.URL.Path, "/")
	if len(url) < 2 || url[1] == "" {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
/<a href="/nodes">nodes</a> for all nodes names and their counters which include
calls, processed items and suspends. Using /nodes/name returns information
about individual node.<br>
<br>
/<a href="/errors">errors</a> for node error counters.
</body></html>`)
		return
	}

	enc := json.NewEncoder(w)

	switch url[1] {
	case "nodes":
		if len(url) > 2 && url[2] != "" {
			stats, ok := g.NodeStats(url[2])
			if !ok {
				http.Error(w, "Bad node name: "+url[2], http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			enc.Encode(stats)
		} else {
			w.Header().Set("Content-Type", "application/json")
			enc.Encode(g.AllNodeStats())
		}
	case "errors":
		w.Header().Set("Content-Type", "application/json")
		enc.Encode(g.ErrorCounters())
	default:
		http.Error(w, "Bad request: "+url[1], http.StatusBadRequest)
	}
}

// Handler returns HTTP handler of node statistics.
func (g *Graph) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handler)
	return mux
}

func (g *Graph) startTelemetry(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return common.WrapWithNFError(err, "can't listen telemetry address "+addr, common.BadArgument)
	}
	server := &http.Server{Handler: g.Handler()}
	g.telemetry = server

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			common.LogWarning(common.Initialization, "Error while serving HTTP requests:", err)
			server.Close()
		}
	}()
	common.LogDebug(common.Initialization, "Telemetry is served at", listener.Addr())
	return nil
}

func (g *Graph) stopTelemetry() {
	if g.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.telemetry.Shutdown(ctx)
	g.telemetry = nil
}
