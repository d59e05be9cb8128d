// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counter

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

var meter = otel.Meter("coverage.counter")

var (
	saturationsTotal metric.Int64Counter
	evalErrorsTotal  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		saturationsTotal, err = meter.Int64Counter(
			"coverage_counter_saturations_total",
			metric.WithDescription("Counter expressions clamped to stay within uint64"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evalErrorsTotal, err = meter.Int64Counter(
			"coverage_counter_evaluation_errors_total",
			metric.WithDescription("Counter evaluations rejected as malformed"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSaturation(ctx context.Context, kind coverage.ExprKind) {
	if err := initMetrics(); err != nil {
		return
	}
	saturationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", kind.String())))
}

func recordEvalError(ctx context.Context, err error) {
	if initMetrics() != nil {
		return
	}
	reason := "invalid"
	switch {
	case errors.Is(err, coverage.ErrOutOfRange):
		reason = "out_of_range"
	case errors.Is(err, coverage.ErrCyclicExpression):
		reason = "cyclic"
	}
	evalErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
