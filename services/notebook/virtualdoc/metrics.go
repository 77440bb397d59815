// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package virtualdoc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.notebook.virtualdoc")
	meter  = otel.Meter("aleutian.notebook.virtualdoc")
)

var (
	rebuildLatency metric.Float64Histogram
	rebuildTotal   metric.Int64Counter
	foreignDocs    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		rebuildLatency, err = meter.Float64Histogram(
			"notebook_virtualdoc_rebuild_duration_seconds",
			metric.WithDescription("Duration of virtual document rebuilds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rebuildTotal, err = meter.Int64Counter(
			"notebook_virtualdoc_rebuild_total",
			metric.WithDescription("Total number of virtual document rebuilds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		foreignDocs, err = meter.Int64Histogram(
			"notebook_virtualdoc_foreign_documents",
			metric.WithDescription("Foreign documents produced per rebuild"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRebuild(ctx context.Context, language string, duration time.Duration, foreign int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("language", language))
	rebuildLatency.Record(ctx, duration.Seconds(), attrs)
	rebuildTotal.Add(ctx, 1, attrs)
	foreignDocs.Record(ctx, int64(foreign), attrs)
}
