package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "scan_orchestrator_api"

// Metrics defines metrics operations needed by the HTTP surface.
type Metrics interface {
	IncRequestsTotal(ctx context.Context, method, route string, status int)
	ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration)
	IncScanRequestsTotal(ctx context.Context)
	IncScanRequestErrors(ctx context.Context, reason string)
}

type apiMetrics struct {
	requestsTotal     metric.Int64Counter
	requestDuration   metric.Float64Histogram
	scanRequestsTotal metric.Int64Counter
	scanRequestErrors metric.Int64Counter
}

// NewMetrics registers the API instruments on mp.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestsTotal, err = meter.Int64Counter(
		"scan_requests_total",
		metric.WithDescription("Total number of scan submissions"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestErrors, err = meter.Int64Counter(
		"scan_request_errors_total",
		metric.WithDescription("Total number of rejected scan submissions"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns Metrics backed by a no-op meter.
func NoopMetrics() Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *apiMetrics) IncScanRequestsTotal(ctx context.Context) {
	m.scanRequestsTotal.Add(ctx, 1)
}

func (m *apiMetrics) IncScanRequestErrors(ctx context.Context, reason string) {
	m.scanRequestErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
