// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.notebook.connection")
	meter  = otel.Meter("aleutian.notebook.connection")
)

var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	diagnosticsTotal metric.Int64Counter
	connectTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"notebook_connection_operation_duration_seconds",
			metric.WithDescription("Duration of feature requests issued at cell positions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"notebook_connection_operation_total",
			metric.WithDescription("Feature requests by operation and result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		diagnosticsTotal, err = meter.Int64Counter(
			"notebook_connection_diagnostics_total",
			metric.WithDescription("Published diagnostics by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		connectTotal, err = meter.Int64Counter(
			"notebook_connection_connect_total",
			metric.WithDescription("Connection attempts by language and result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startOperationSpan starts a span for a feature request.
func startOperationSpan(ctx context.Context, op, cellID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "connection."+op,
		trace.WithAttributes(
			attribute.String("notebook.operation", op),
			attribute.String("notebook.cell_id", cellID),
		),
	)
}

func endOperation(ctx context.Context, span trace.Span, op, language string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case isStale(err):
		result = "stale"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("notebook.language", language), attribute.String("result", result))

	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("language", language),
		attribute.String("result", result),
	)
	operationLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
}

func recordDiagnostics(ctx context.Context, language, result string, n int) {
	if initMetrics() != nil {
		return
	}
	diagnosticsTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("result", result),
	))
}

func recordConnect(ctx context.Context, language string, ok bool) {
	if initMetrics() != nil {
		return
	}
	connectTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", ok),
	))
}
