// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for LSP operations.
var (
	tracer = otel.Tracer("aleutian.notebook.lsp")
	meter  = otel.Meter("aleutian.notebook.lsp")
)

// Metrics for LSP operations.
var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	serverSpawns   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"notebook_lsp_request_duration_seconds",
			metric.WithDescription("Duration of LSP requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"notebook_lsp_request_total",
			metric.WithDescription("Total number of LSP requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		serverSpawns, err = meter.Int64Counter(
			"notebook_lsp_server_spawns_total",
			metric.WithDescription("Total number of LSP server spawns"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRequest(ctx context.Context, server, method string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordSpawn(ctx context.Context, server string) {
	if err := initMetrics(); err != nil {
		return
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}
