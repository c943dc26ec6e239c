// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// metrics holds the session's instruments. A nil *metrics records nothing.
type metrics struct {
	operations   metric.Int64Counter
	saveDuration metric.Float64Histogram
	loaded       metric.Int64UpDownCounter
	removals     metric.Int64Counter
	external     metric.Int64Counter
}

// newMetrics creates all instruments on meter.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"mow_session_operations_total",
		metric.WithDescription("Total number of session operations by operation and result"),
	)
	if err != nil {
		return nil, err
	}

	m.saveDuration, err = meter.Float64Histogram(
		"mow_session_save_duration_seconds",
		metric.WithDescription("Duration of dataset saves in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.loaded, err = meter.Int64UpDownCounter(
		"mow_session_loaded",
		metric.WithDescription("1 while a dataset is loaded, 0 otherwise"),
	)
	if err != nil {
		return nil, err
	}

	m.removals, err = meter.Int64Counter(
		"mow_removals_total",
		metric.WithDescription("Total number of successful removals by kind and whether they were deferred"),
	)
	if err != nil {
		return nil, err
	}

	m.external, err = meter.Int64Counter(
		"mow_external_changes_total",
		metric.WithDescription("Total number of external modifications of a loaded dataset file"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) active() bool {
	return m != nil && metricsEnabled.Load()
}

// recordOperation counts one session operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - operation: Operation name, e.g. "new", "add_meal".
//   - err: Result of the operation.
func (m *metrics) recordOperation(ctx context.Context, operation string, err error) {
	if !m.active() {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// recordSave records the duration of a save attempt.
func (m *metrics) recordSave(ctx context.Context, duration time.Duration, err error) {
	if !m.active() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.saveDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// recordRemoval counts a successful removal.
func (m *metrics) recordRemoval(ctx context.Context, kind string, scheduled bool) {
	if !m.active() {
		return
	}
	m.removals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("scheduled", scheduled),
	))
}

// recordExternalChange counts an external modification.
func (m *metrics) recordExternalChange(ctx context.Context, change string) {
	if !m.active() {
		return
	}
	m.external.Add(ctx, 1, metric.WithAttributes(attribute.String("change", change)))
}

// incLoaded increments the loaded gauge.
func (m *metrics) incLoaded(ctx context.Context) {
	if !m.active() {
		return
	}
	m.loaded.Add(ctx, 1)
}

// decLoaded decrements the loaded gauge.
func (m *metrics) decLoaded(ctx context.Context) {
	if !m.active() {
		return
	}
	m.loaded.Add(ctx, -1)
}
