// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/mow/cmd/mow/config"
	"github.com/AleutianAI/mow/services/planner"
	"github.com/AleutianAI/mow/services/planner/session"
)

// telemetry holds the installed providers.
type telemetry struct {
	// Metrics serves the Prometheus exposition format, or nil when metrics
	// are disabled.
	Metrics http.Handler

	shutdownFuncs []func(context.Context) error
}

// initTelemetry installs the global meter and tracer providers.
//
// # Description
//
// With telemetry.metrics set, session instruments are exported through a
// Prometheus registry private to this process and served by Metrics.
// Otherwise session metrics are disabled. With telemetry.trace_stdout set,
// spans are printed to traceOut.
//
// # Inputs
//
//   - cfg: Telemetry configuration.
//   - traceOut: Destination for spans, usually os.Stdout.
//
// # Outputs
//
//   - *telemetry: Installed providers. Call Shutdown on exit.
//   - error: Non-nil if an exporter cannot be created.
func initTelemetry(cfg config.TelemetryConfig, traceOut io.Writer) (*telemetry, error) {
	t := &telemetry{}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", config.AppName),
		attribute.String("service.version", planner.ServiceVersion),
	)

	if cfg.Metrics {
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
		t.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		session.SetMetricsEnabled(true)
	} else {
		session.SetMetricsEnabled(false)
	}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(traceOut),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
	}

	return t, nil
}

// Shutdown flushes and stops every provider.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
