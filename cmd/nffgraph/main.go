// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// nffgraph runs a demo graph of nff-graph engines configured by INI or
// YAML file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/flow"
	"github.com/intel-go/nff-graph/nodetrace"
)

var (
	configFile string
	workers    uint
	items      uint32
	batch      uint32
	duration   time.Duration
	report     time.Duration
	progress   bool
	otlp       string
	insecure   bool
	sampling   float64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nffgraph",
	Short: "nffgraph - vector graph dispatch engine demo",
	Long: `nffgraph builds a demo graph where input node "source" generates items,
"classify" routes even items to "sink" and odd ones to "drop", and process
"monitor" reports statistics.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run demo graph until all items are processed or interrupted",
	RunE:  runGraph,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List nodes of demo graph and their next nodes",
	RunE:  listNodes,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "engine config file, .ini or .yaml")
	rootCmd.PersistentFlags().UintVarP(&workers, "workers", "w", 0, "number of worker engines, overrides config")

	runCmd.Flags().Uint32Var(&items, "items", 1<<20, "number of items to generate, 0 means no limit")
	runCmd.Flags().Uint32Var(&batch, "batch", 64, "items generated by source in one call")
	runCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this time, 0 means no limit")
	runCmd.Flags().DurationVar(&report, "report", time.Second, "statistics period of monitor process, 0 disables reports")
	runCmd.Flags().BoolVar(&progress, "progress", false, "show progress bar of generated items")
	runCmd.Flags().StringVar(&otlp, "otlp-endpoint", "", "export spans of classify node to OTLP gRPC collector")
	runCmd.Flags().BoolVar(&insecure, "otlp-insecure", true, "connect to OTLP collector without TLS")
	runCmd.Flags().Float64Var(&sampling, "otlp-sampling", 0.01, "fraction of traced dispatches")

	rootCmd.AddCommand(runCmd, nodesCmd)
}

func loadConfig(cmd *cobra.Command) (*flow.Config, error) {
	cfg := &flow.Config{}
	if configFile != "" {
		var err error
		if cfg, err = flow.LoadConfig(configFile); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	return cfg, nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d := newDemo(items, batch, report)
	cfg.FreeItems = d.freeItems
	g, err := flow.NewGraph(cfg)
	if err != nil {
		return err
	}
	defer g.Close()
	if tick := g.Config().TickDuration; report != 0 && report < tick {
		return common.WrapWithNFError(nil, fmt.Sprintf("report period %v is shorter than timer tick %v", report, tick),
			common.BadArgument)
	}
	if err := d.build(g); err != nil {
		return err
	}
	if otlp != "" {
		tp, err := nodetrace.Init(context.Background(), nodetrace.Config{
			Endpoint:      otlp,
			Insecure:      insecure,
			SamplingRatio: sampling,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		}()
		nodetrace.Install(g, tp.Tracer("nffgraph"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	start := time.Now()
	if err := g.Start(ctx); err != nil {
		return err
	}
	if progress && items != 0 {
		showProgress(ctx, cmd, d)
	}
	select {
	case <-ctx.Done():
	case <-d.done:
	}
	g.Stop()
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "generated %d items in %v: %d received, %d dropped\n",
		d.generated.Load(), time.Since(start).Round(time.Millisecond), d.received.Load(), d.freed.Load())
	for name, v := range g.ErrorCounters() {
		fmt.Fprintf(out, "%s: %d\n", name, v)
	}
	return nil
}

// showProgress draws bar of generated items until demo is done or ctx
// is cancelled.
func showProgress(ctx context.Context, cmd *cobra.Command, d *demo) {
	bar := progressbar.NewOptions64(int64(d.items),
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			bar.Finish()
			return
		case <-ticker.C:
			bar.Set64(int64(d.generated.Load()))
		}
	}
}

func listNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	g, err := flow.NewGraph(cfg)
	if err != nil {
		return err
	}
	defer g.Close()
	if err := newDemo(0, 1, time.Second).build(g); err != nil {
		return err
	}
	if err := g.Finalize(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tTYPE\tNEXT")
	for _, n := range g.Nodes() {
		var next []string
		for i := 0; i < n.NNext(); i++ {
			next = append(next, n.NextName(uint32(i)))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", n.Index, n.Name, n.Type, next)
	}
	return w.Flush()
}
