// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers used by covproj.
//
// Library packages (counter, projection) take their tracer and meter from
// otel.Tracer and otel.Meter at package init. The global providers delegate,
// so spans and instruments created before Init start exporting once Init
// installs real providers.
//
//	tel, err := telemetry.Init(ctx, telemetry.Config{
//	    ServiceName: "covproj",
//	    Traces:      "stdout",
//	    Metrics:     "prometheus",
//	})
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	http.Handle("/metrics", tel.MetricsHandler())
//
// # Thread Safety
//
// Init should be called once per process. Telemetry methods are safe for
// concurrent use.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unrecognised exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config selects exporters.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is recorded as service.version.
	ServiceVersion string

	// Traces is "none", "stdout" or "otlp". Empty means none.
	Traces string

	// OTLPEndpoint is the gRPC receiver for otlp traces.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool

	// Metrics is "none", "stdout" or "prometheus". Empty means none.
	Metrics string

	// Output receives stdout exporter data. Defaults to stderr so command
	// output on stdout stays parseable.
	Output io.Writer
}

// Telemetry owns the installed providers.
type Telemetry struct {
	handler http.Handler

	mu        sync.Mutex
	shutdowns []func(context.Context) error
	done      bool
}

// Init installs tracer and meter providers.
//
// Description:
//
//	Builds a resource from the service identity, creates the selected
//	trace exporter behind a batching TracerProvider and the selected
//	metric reader behind a MeterProvider, and installs both globally.
//	The prometheus exporter registers with a private registry whose
//	handler is returned by MetricsHandler.
//
// Inputs:
//
//	ctx - Used for exporter connections. Must not be nil.
//	cfg - Exporter selection.
//
// Outputs:
//
//	*Telemetry - Call Shutdown on exit to flush exporters.
//	error - ErrNilContext, ErrUnknownExporter, or an exporter failure.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", orDefault(cfg.ServiceName, "covproj")),
		attribute.String("service.version", orDefault(cfg.ServiceVersion, "dev")),
	)

	t := &Telemetry{}

	if name := orDefault(cfg.Traces, ExporterNone); name != ExporterNone {
		tp, err := newTracerProvider(ctx, cfg, name, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	if name := orDefault(cfg.Metrics, ExporterNone); name != ExporterNone {
		mp, handler, err := newMeterProvider(cfg, name, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		t.handler = handler
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}

	return t, nil
}

// MetricsHandler returns the /metrics handler, or nil unless the
// prometheus exporter is active.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops every provider. Later calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg Config, name string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch name {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Output))
	default:
		return nil, fmt.Errorf("%w: traces=%s", ErrUnknownExporter, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", name, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func newMeterProvider(cfg Config, name string, res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch name {
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), handler, nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Output))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: metrics=%s", ErrUnknownExporter, name)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
