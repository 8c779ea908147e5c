package scanning

import (
	"context"
	"math"
	"time"
)

// ScanCommand is what a scanner receives when invoked.
type ScanCommand struct {
	ScanID             int64
	ScannerType        string
	ExtensionVersionID int64
	Extension          ExtensionIdentity
	File               *ExtensionFile
}

// ThreatFinding is a threat as reported by a scanner, before it is tagged and
// persisted as a Threat.
type ThreatFinding struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
}

// ScanResult is the set of findings produced by a scanner.
type ScanResult struct {
	Threats []ThreatFinding
}

// Invocation is the outcome of StartScan: either completed with a result, or
// submitted with a handle to poll.
type Invocation struct {
	result *ScanResult
	handle string
}

// Completed returns a synchronous invocation result.
func Completed(result *ScanResult) Invocation {
	if result == nil {
		result = &ScanResult{}
	}
	return Invocation{result: result}
}

// Submitted returns an asynchronous invocation carrying the external handle.
func Submitted(handle string) Invocation { return Invocation{handle: handle} }

func (i Invocation) IsCompleted() bool   { return i.result != nil }
func (i Invocation) Result() *ScanResult { return i.result }
func (i Invocation) Handle() string      { return i.handle }

// ExternalStatus is an async scanner's view of a submitted job.
type ExternalStatus string

const (
	ExternalStatusSubmitted  ExternalStatus = "SUBMITTED"
	ExternalStatusProcessing ExternalStatus = "PROCESSING"
	ExternalStatusCompleted  ExternalStatus = "COMPLETED"
	ExternalStatusFailed     ExternalStatus = "FAILED"
)

// Scanner is a background scanner run for every scan while it is registered.
type Scanner interface {
	Type() string
	IsAsync() bool
	IsRequired() bool
	// EnforcesThreats decides whether this scanner's findings block the scan.
	EnforcesThreats() bool
	// Timeout is the wall-clock SLA enforced by the watchdog.
	Timeout() time.Duration
	PollConfig() PollConfig
	StartScan(ctx context.Context, cmd ScanCommand) (Invocation, error)
}

// AsyncScanner is a Scanner whose work completes out of band.
type AsyncScanner interface {
	Scanner
	PollStatus(ctx context.Context, handle string) (ExternalStatus, error)
	FetchResults(ctx context.Context, handle string) (*ScanResult, error)
}

// PollConfig describes how an async scanner is polled.
type PollConfig struct {
	InitialDelaySeconds int     `mapstructure:"initial_delay_seconds" yaml:"initial_delay_seconds" json:"initial_delay_seconds"`
	IntervalSeconds     int     `mapstructure:"interval_seconds" yaml:"interval_seconds" json:"interval_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	ExponentialBackoff  bool    `mapstructure:"exponential_backoff" yaml:"exponential_backoff" json:"exponential_backoff"`
	Multiplier          float64 `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	MaxIntervalSeconds  int     `mapstructure:"max_interval_seconds" yaml:"max_interval_seconds" json:"max_interval_seconds"`
}

// maxPollIntervalSeconds bounds backoff when no MaxIntervalSeconds is set.
const maxPollIntervalSeconds = 24 * 60 * 60

// DefaultPollConfig is used when a scanner does not configure polling.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelaySeconds: 10,
		IntervalSeconds:     30,
		MaxAttempts:         60,
		ExponentialBackoff:  false,
		Multiplier:          2,
		MaxIntervalSeconds:  300,
	}
}

// InitialDelay is the wait between submission and the first poll.
func (c PollConfig) InitialDelay() time.Duration {
	return time.Duration(max(c.InitialDelaySeconds, 0)) * time.Second
}

// NextDelay returns the wait before the next poll after attempt polls have
// been made (attempt starts at 1). With exponential backoff the delay is
// interval * multiplier^(attempt-1), capped at MaxIntervalSeconds.
func (c PollConfig) NextDelay(attempt int) time.Duration {
	interval := float64(max(c.IntervalSeconds, 1))
	if !c.ExponentialBackoff {
		return time.Duration(interval) * time.Second
	}

	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := interval * math.Pow(mult, float64(max(attempt, 1)-1))
	ceiling := float64(maxPollIntervalSeconds)
	if c.MaxIntervalSeconds > 0 {
		ceiling = float64(c.MaxIntervalSeconds)
	}
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay) * time.Second
}

// Exhausted reports whether attempts exceeded MaxAttempts. Zero means unlimited.
func (c PollConfig) Exhausted(attempts int) bool {
	return c.MaxAttempts > 0 && attempts > c.MaxAttempts
}
