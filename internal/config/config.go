// Package config loads orchestrator configuration from a YAML file, an
// optional .env file and OVSX_SCAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/checks"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/cluster/kubernetes"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/eventbus/kafka"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/registry"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/scanner/remote"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/secrets"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scanning  ScanningConfig  `mapstructure:"scanning"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Events    EventsConfig    `mapstructure:"events"`
	Kafka     kafka.Config    `mapstructure:"kafka"`
	Registry  registry.Config `mapstructure:"registry"`
	API       APIConfig       `mapstructure:"api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Secrets   secrets.Config  `mapstructure:"secrets"`

	Checks   []CheckConfig   `mapstructure:"checks" validate:"dive"`
	Scanners []ScannerConfig `mapstructure:"scanners" validate:"dive"`
}

// ServiceConfig identifies this instance.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// DatabaseConfig configures the pgx pool.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MinConns       int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns       int32         `mapstructure:"max_conns" validate:"gte=1"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres memory"`
}

// QueueConfig selects and tunes the task queue and its worker pool.
type QueueConfig struct {
	Driver       string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Lease        time.Duration `mapstructure:"lease" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=0"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

// ScanningConfig tunes the scan lifecycle.
type ScanningConfig struct {
	NewScannerGracePeriod time.Duration `mapstructure:"new_scanner_grace_period" validate:"gte=0"`
	PollLease             time.Duration `mapstructure:"poll_lease" validate:"gt=0"`
	InvokeMaxAttempts     int           `mapstructure:"invoke_max_attempts" validate:"gte=1"`
	PollMaxAttempts       int           `mapstructure:"poll_max_attempts" validate:"gte=1"`
}

// WatchdogConfig tunes the periodic repair pass.
type WatchdogConfig struct {
	Interval           time.Duration `mapstructure:"interval" validate:"gt=0"`
	QueuedRequeueAfter time.Duration `mapstructure:"queued_requeue_after" validate:"gt=0"`
	QueuedFailAfter    time.Duration `mapstructure:"queued_fail_after" validate:"gtfield=QueuedRequeueAfter"`
}

// EventsConfig selects the lifecycle event publisher.
type EventsConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=kafka memory"`
	// MemoryLimit bounds the events kept by the memory publisher.
	MemoryLimit int `mapstructure:"memory_limit" validate:"gte=0"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string { return c.Host + ":" + c.Port }

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	ExporterEndpoint string            `mapstructure:"exporter_endpoint"`
	Probability      float64           `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure         bool              `mapstructure:"insecure"`
	Attributes       map[string]string `mapstructure:"attributes"`
}

// ClusterConfig selects the leader election backend.
type ClusterConfig struct {
	Mode       string            `mapstructure:"mode" validate:"oneof=standalone kubernetes"`
	Kubernetes kubernetes.Config `mapstructure:"kubernetes"`
}

// Check kinds understood by the factory.
const (
	CheckBlocklist  = checks.TypeBlocklist
	CheckSecretScan = checks.TypeSecretScan
)

// CheckConfig configures one gating check.
type CheckConfig struct {
	Type            string `mapstructure:"type" validate:"required,oneof=BLOCKLIST SECRET_SCAN"`
	checks.Settings `mapstructure:",squash"`
	// Path is the blocklist file for BLOCKLIST checks.
	Path string `mapstructure:"path" validate:"required_if=Type BLOCKLIST"`
}

// Scanner kinds understood by the factory.
const (
	ScannerKindGitleaks = "gitleaks"
	ScannerKindRemote   = "remote"
)

// ScannerConfig configures one scanner. Remote scanners use every field of
// the embedded definition; gitleaks scanners use the shared policy fields.
type ScannerConfig struct {
	Kind     string `mapstructure:"kind" validate:"required,oneof=gitleaks remote"`
	Enabled  *bool  `mapstructure:"enabled"`
	Severity string `mapstructure:"severity"`

	remote.Definition `mapstructure:",squash" validate:"-"`
}

// IsEnabled reports whether the scanner should be registered. Scanners are
// enabled unless switched off explicitly.
func (s ScannerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	if c.Storage.Driver == "postgres" || c.Queue.Driver == "postgres" {
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	}
	if c.Events.Driver == "kafka" {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{})
	for i, s := range c.Scanners {
		typ := strings.ToUpper(s.Type)
		if s.Kind == ScannerKindGitleaks && typ == "" {
			typ = "GITLEAKS"
		}
		if typ == "" {
			errs = append(errs, fmt.Errorf("scanners[%d]: type is required", i))
			continue
		}
		if _, dup := seen[typ]; dup {
			errs = append(errs, fmt.Errorf("scanners[%d]: duplicate scanner type %s", i, typ))
		}
		seen[typ] = struct{}{}

		if s.Kind == ScannerKindRemote {
			if err := s.Definition.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("scanners[%d] (%s): %w", i, typ, err))
			}
		}
	}

	checkTypes := make(map[string]struct{})
	for i, ch := range c.Checks {
		if _, dup := checkTypes[ch.Type]; dup {
			errs = append(errs, fmt.Errorf("checks[%d]: duplicate check type %s", i, ch.Type))
		}
		checkTypes[ch.Type] = struct{}{}
	}

	return errors.Join(errs...)
}
