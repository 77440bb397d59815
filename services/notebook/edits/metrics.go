// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edits

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.notebook.edits")
	meter  = otel.Meter("aleutian.notebook.edits")
)

var (
	changesTotal metric.Int64Counter
	cellsTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		changesTotal, err = meter.Int64Counter(
			"notebook_edit_changes_total",
			metric.WithDescription("Workspace edit replacements by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cellsTotal, err = meter.Int64Counter(
			"notebook_edit_cells_modified_total",
			metric.WithDescription("Cells modified by workspace edits"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordOutcome(ctx context.Context, o Outcome) {
	if err := initMetrics(); err != nil {
		return
	}
	changesTotal.Add(ctx, int64(o.AppliedChanges), metric.WithAttributes(attribute.String("result", "applied")))
	changesTotal.Add(ctx, int64(o.Dropped), metric.WithAttributes(attribute.String("result", "dropped")))
	cellsTotal.Add(ctx, int64(o.ModifiedCells), metric.WithAttributes(attribute.Bool("granular", o.WasGranular)))
}
