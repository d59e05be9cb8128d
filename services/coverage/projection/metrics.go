// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projection

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for projection calls.
var (
	tracer = otel.Tracer("coverage.projection")
	meter  = otel.Meter("coverage.projection")
)

var (
	projectionLatency metric.Float64Histogram
	projectionTotal   metric.Int64Counter
	idsDelivered      metric.Int64Counter
	idsSuppressed     metric.Int64Counter
	blockFailures     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		projectionLatency, err = meter.Float64Histogram(
			"coverage_projection_duration_seconds",
			metric.WithDescription("Duration of projection calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		projectionTotal, err = meter.Int64Counter(
			"coverage_projection_total",
			metric.WithDescription("Total number of projection calls"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		idsDelivered, err = meter.Int64Counter(
			"coverage_projection_ids_delivered_total",
			metric.WithDescription("Projection ids delivered to sinks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		idsSuppressed, err = meter.Int64Counter(
			"coverage_projection_ids_suppressed_total",
			metric.WithDescription("Projection ids dropped as duplicates within a call"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		blockFailures, err = meter.Int64Counter(
			"coverage_projection_block_failures_total",
			metric.WithDescription("Block lookups that failed mid-iteration"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startProjectionSpan creates a span for one projection call.
func startProjectionSpan(ctx context.Context, requestID string, updated, workers int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.ProjectUpdatedBlocks",
		trace.WithAttributes(
			attribute.String("projection.request_id", requestID),
			attribute.Int("projection.updated_blocks", updated),
			attribute.Int("projection.workers", workers),
		),
	)
}

// setProjectionSpanResult sets the result attributes on a projection span.
func setProjectionSpanResult(span trace.Span, r *Result) {
	span.SetAttributes(
		attribute.Int("projection.functions", r.Functions),
		attribute.Int("projection.functions_skipped", r.FunctionsSkipped),
		attribute.Int("projection.blocks_processed", r.BlocksProcessed),
		attribute.Int("projection.blocks_failed", r.BlocksFailed),
		attribute.Int("projection.delivered", r.Delivered),
		attribute.Int("projection.suppressed", r.Suppressed),
		attribute.Bool("projection.cancelled", r.Cancelled),
	)
}

// recordProjectionMetrics records metrics for a finished projection call.
func recordProjectionMetrics(ctx context.Context, r *Result) {
	if err := initMetrics(); err != nil {
		return
	}

	outcome := "completed"
	if r.Cancelled {
		outcome = "cancelled"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	projectionLatency.Record(ctx, r.Duration.Seconds(), attrs)
	projectionTotal.Add(ctx, 1, attrs)
	idsDelivered.Add(ctx, int64(r.Delivered))
	idsSuppressed.Add(ctx, int64(r.Suppressed))
	blockFailures.Add(ctx, int64(r.BlocksFailed))
}
