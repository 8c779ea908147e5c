package config

import (
	"github.com/eclipse/openvsx-scan-orchestrator/internal/app/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/app/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/otel"
)

// ScanningConfig maps the scanning and watchdog sections onto the lifecycle
// configuration.
func (c *Config) ScanningConfig() scanning.Config {
	return scanning.Config{
		NewScannerGracePeriod: c.Scanning.NewScannerGracePeriod,
		PollLease:             c.Scanning.PollLease,
		InvokeMaxAttempts:     c.Scanning.InvokeMaxAttempts,
		PollMaxAttempts:       c.Scanning.PollMaxAttempts,
		Watchdog: scanning.WatchdogConfig{
			Interval:           c.Watchdog.Interval,
			QueuedRequeueAfter: c.Watchdog.QueuedRequeueAfter,
			QueuedFailAfter:    c.Watchdog.QueuedFailAfter,
		},
	}
}

// WorkerPoolConfig maps the queue section onto the worker pool configuration.
func (c *Config) WorkerPoolConfig() queue.Config {
	return queue.Config{
		Workers:      c.Queue.Workers,
		PollInterval: c.Queue.PollInterval,
		Lease:        c.Queue.Lease,
		BatchSize:    c.Queue.BatchSize,
		RetryBase:    c.Queue.RetryBase,
		RetryMax:     c.Queue.RetryMax,
	}
}

// TelemetryConfig builds the OpenTelemetry setup for this service.
func (c *Config) TelemetryConfig() otel.Config {
	attrs := map[string]string{"library.language": "go"}
	for k, v := range c.Telemetry.Attributes {
		attrs[k] = v
	}
	return otel.Config{
		ServiceName:      c.Service.Name,
		ExporterEndpoint: c.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/debug":        {},
		},
		Probability:        c.Telemetry.Probability,
		ResourceAttributes: attrs,
		InsecureExporter:   c.Telemetry.Insecure,
	}
}
