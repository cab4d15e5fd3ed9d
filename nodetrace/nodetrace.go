// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nodetrace exports dispatches of nodes registered with
// flow.NodeTraceSupported flag as OpenTelemetry spans.
package nodetrace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/intel-go/nff-graph/common"
	"github.com/intel-go/nff-graph/flow"
)

// Span attributes.
const (
	AttrNode      = attribute.Key("nffgraph.node")
	AttrEngine    = attribute.Key("nffgraph.engine")
	AttrItems     = attribute.Key("nffgraph.frame.items")
	AttrProcessed = attribute.Key("nffgraph.processed")
)

// Config of OTLP span export.
type Config struct {
	// OTLP gRPC endpoint, like "localhost:4317".
	Endpoint string
	// Insecure disables TLS of connection to collector.
	Insecure bool
	// Fraction of sampled dispatches. Zero means 1, all dispatches.
	SamplingRatio float64
	// ServiceName of resource. Default is "nffgraph".
	ServiceName string
	// Longest time spans wait in batch. Default is 5 seconds.
	BatchTimeout time.Duration
}

// Init creates tracer provider exporting spans to OTLP collector.
// Provider should be shut down after graph is stopped.
func Init(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nffgraph"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, common.WrapWithNFError(err, "can't create OTLP exporter for "+cfg.Endpoint, common.BadArgument)
	}

	instance := uuid.NewString()
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("service.instance.id", instance),
		),
	)
	if err != nil {
		return nil, common.WrapWithNFError(err, "can't create trace resource", common.Fail)
	}

	common.LogDebug(common.Initialization, "Node spans of instance", instance, "are exported to", cfg.Endpoint)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRatio)),
	), nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0 || ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Wrapper returns dispatch wrapper which makes one span per call of
// traced node. Other nodes are called directly.
func Wrapper(tracer trace.Tracer) flow.DispatchWrapper {
	return func(e *flow.Engine, rt *flow.NodeRuntime, f *flow.Frame, fn flow.NodeFunction) uint32 {
		if rt.Node.Flags&flow.NodeTraceSupported == 0 {
			return fn(e, rt, f)
		}
		items := 0
		if f != nil {
			items = f.Len()
		}
		_, span := tracer.Start(context.Background(), rt.Node.Name,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				AttrNode.String(rt.Node.Name),
				AttrEngine.Int(e.Index()),
				AttrItems.Int(items),
			))
		n := fn(e, rt, f)
		span.SetAttributes(AttrProcessed.Int64(int64(n)))
		span.End()
		return n
	}
}

// Install sets wrapper of tracer to all engines of graph. Graph must not
// be running.
func Install(g *flow.Graph, tracer trace.Tracer) {
	w := Wrapper(tracer)
	for i := 0; i < g.Engines(); i++ {
		g.Engine(i).SetDispatchWrapper(w)
	}
}
