// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics wires OpenTelemetry metrics for the body routing filters.
package metrics

import (
	"context"
	"fmt"
	"os"

	promregistry "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	serviceName = "body-router"
	meterName   = "envoyproxy/body-router"

	exporterNone       = "none"
	exporterPrometheus = "prometheus"
	exporterAuto       = "auto"
)

// Metrics is a meter together with the Prometheus registry backing it.
type Metrics interface {
	// Meter returns the meter the filter instruments are created on.
	Meter() metric.Meter
	// Registry returns the registry to serve on the admin listener, or nil
	// when the filter exports somewhere else.
	Registry() *promregistry.Registry
	// Shutdown flushes and stops the exporter.
	Shutdown(context.Context) error
}

// NoopMetrics drops everything recorded on it.
type NoopMetrics struct{}

// Meter implements [Metrics.Meter].
func (NoopMetrics) Meter() metric.Meter { return noop.NewMeterProvider().Meter(meterName) }

// Registry implements [Metrics.Registry].
func (NoopMetrics) Registry() *promregistry.Registry { return nil }

// Shutdown implements [Metrics.Shutdown].
func (NoopMetrics) Shutdown(context.Context) error { return nil }

type provider struct {
	mp       *sdkmetric.MeterProvider
	registry *promregistry.Registry
}

// Meter implements [Metrics.Meter].
func (p *provider) Meter() metric.Meter { return p.mp.Meter(meterName) }

// Registry implements [Metrics.Registry].
func (p *provider) Registry() *promregistry.Registry { return p.registry }

// Shutdown implements [Metrics.Shutdown].
func (p *provider) Shutdown(ctx context.Context) error { return p.mp.Shutdown(ctx) }

// NewMetricsFromEnv builds the meter from the standard OTEL_* environment.
//
// Without an explicit OTEL_METRICS_EXPORTER and without any OTLP endpoint,
// the instruments go to a private Prometheus registry for the admin
// listener. OTEL_SDK_DISABLED=true or OTEL_METRICS_EXPORTER=none yield
// [NoopMetrics]. Anything else is handed to autoexport.
func NewMetricsFromEnv(ctx context.Context) (Metrics, error) {
	kind := exporterFromEnv()
	if kind == exporterNone {
		return NoopMetrics{}, nil
	}
	res, err := newResource(ctx)
	if err != nil {
		return nil, err
	}

	p := &provider{}
	var reader sdkmetric.Reader
	if kind == exporterPrometheus {
		p.registry = promregistry.NewRegistry()
		if reader, err = prometheus.New(prometheus.WithRegisterer(p.registry)); err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
	} else if reader, err = autoexport.NewMetricReader(ctx); err != nil {
		return nil, fmt.Errorf("failed to create metric reader: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	return p, nil
}

func exporterFromEnv() string {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return exporterNone
	}
	switch e := os.Getenv("OTEL_METRICS_EXPORTER"); e {
	case exporterNone, exporterPrometheus:
		return e
	case "":
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") == "" {
			return exporterPrometheus
		}
	}
	return exporterAuto
}

// newResource names the service "body-router" unless OTEL_SERVICE_NAME or
// OTEL_RESOURCE_ATTRIBUTES say otherwise.
func newResource(ctx context.Context) (*resource.Resource, error) {
	fromEnv, err := resource.New(ctx, resource.WithFromEnv(), resource.WithTelemetrySDK())
	if err != nil {
		return nil, fmt.Errorf("failed to read resource from env: %w", err)
	}
	res, err := resource.Merge(resource.NewSchemaless(semconv.ServiceName(serviceName)), fromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to merge resource: %w", err)
	}
	return res, nil
}
