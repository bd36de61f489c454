// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the gateway's metrics: request and error
// counters, connection and in-flight gauges, and call duration
// histograms. Instruments are OpenTelemetry; the exporter is
// Prometheus, served by the front listener on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PoolStats yields the live connection and in-flight counts for the
// observable gauges.
type PoolStats func() (connections int, active int64)

// Metrics is the gateway's instrument set. A nil *Metrics is valid and
// records nothing, so wiring stays optional in tests.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	requests     metric.Int64Counter
	errors       metric.Int64Counter
	callDuration metric.Float64Histogram
}

// New builds the instrument set and registers the observable gauges
// against stats.
func New(stats PoolStats) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/stacklok/vmcp")

	m := &Metrics{provider: provider, registry: registry}

	if m.requests, err = meter.Int64Counter("vmcp_requests_total",
		metric.WithDescription("Requests handled by the gateway"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("vmcp_request_errors_total",
		metric.WithDescription("Requests that ended in an error"),
	); err != nil {
		return nil, err
	}
	if m.callDuration, err = meter.Float64Histogram("vmcp_call_duration_seconds",
		metric.WithDescription("Backend call duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if stats != nil {
		connections, err := meter.Int64ObservableGauge("vmcp_backend_connections",
			metric.WithDescription("Materialized backend connections"))
		if err != nil {
			return nil, err
		}
		active, err := meter.Int64ObservableGauge("vmcp_active_requests",
			metric.WithDescription("In-flight backend calls"))
		if err != nil {
			return nil, err
		}
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			conns, act := stats()
			o.ObserveInt64(connections, int64(conns))
			o.ObserveInt64(active, act)
			return nil
		}, connections, active); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordRequest counts one handled request and its duration.
func (m *Metrics) RecordRequest(ctx context.Context, method string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	m.requests.Add(ctx, 1, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
	m.callDuration.Record(ctx, dur.Seconds(), attrs)
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
