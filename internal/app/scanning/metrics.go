package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics defines the instruments recorded across the scan lifecycle.
type Metrics interface {
	IncScansStarted(ctx context.Context)
	IncScansCompleted(ctx context.Context, status string)
	IncScannerJobsFinished(ctx context.Context, scannerType, status string)
	IncPollAttempts(ctx context.Context, scannerType string)
	ObserveCheckDuration(ctx context.Context, checkType, result string, d time.Duration)
	IncWatchdogActions(ctx context.Context, action string)
}

// scanMetrics implements Metrics with OpenTelemetry instruments.
type scanMetrics struct {
	scansStarted       metric.Int64Counter
	scansCompleted     metric.Int64Counter
	scannerJobFinished metric.Int64Counter
	pollAttempts       metric.Int64Counter
	checkDuration      metric.Float64Histogram
	watchdogActions    metric.Int64Counter
}

const namespace = "scan_orchestrator"

// NewScanMetrics creates a new Metrics instance.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.scansStarted, err = meter.Int64Counter(
		"scans_started_total",
		metric.WithDescription("Total number of scans started"),
	); err != nil {
		return nil, err
	}

	if m.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of scans that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.scannerJobFinished, err = meter.Int64Counter(
		"scanner_jobs_finished_total",
		metric.WithDescription("Total number of scanner jobs that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.pollAttempts, err = meter.Int64Counter(
		"scanner_poll_attempts_total",
		metric.WithDescription("Total number of async scanner polls"),
	); err != nil {
		return nil, err
	}

	if m.checkDuration, err = meter.Float64Histogram(
		"check_duration_seconds",
		metric.WithDescription("Gating check execution time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.watchdogActions, err = meter.Int64Counter(
		"watchdog_actions_total",
		metric.WithDescription("Total number of repairs made by the watchdog"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns Metrics backed by the OpenTelemetry noop provider.
func NoopMetrics() Metrics {
	m, _ := NewScanMetrics(noop.NewMeterProvider())
	return m
}

func (m *scanMetrics) IncScansStarted(ctx context.Context) { m.scansStarted.Add(ctx, 1) }

func (m *scanMetrics) IncScansCompleted(ctx context.Context, status string) {
	m.scansCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *scanMetrics) IncScannerJobsFinished(ctx context.Context, scannerType, status string) {
	m.scannerJobFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scanner_type", scannerType),
		attribute.String("status", status),
	))
}

func (m *scanMetrics) IncPollAttempts(ctx context.Context, scannerType string) {
	m.pollAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("scanner_type", scannerType)))
}

func (m *scanMetrics) ObserveCheckDuration(ctx context.Context, checkType, result string, d time.Duration) {
	m.checkDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("check_type", checkType),
		attribute.String("result", result),
	))
}

func (m *scanMetrics) IncWatchdogActions(ctx context.Context, action string) {
	m.watchdogActions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
