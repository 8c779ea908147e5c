package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

// Definition declares a remote scanner entirely from configuration.
type Definition struct {
	Type            string              `mapstructure:"type" validate:"required"`
	Required        bool                `mapstructure:"required"`
	EnforcesThreats bool                `mapstructure:"enforces_threats"`
	Async           bool                `mapstructure:"async"`
	Timeout         time.Duration       `mapstructure:"timeout"`
	RequestTimeout  time.Duration       `mapstructure:"request_timeout"`
	Poll            scanning.PollConfig `mapstructure:"poll"`
	RateLimit       RateLimit           `mapstructure:"rate_limit"`
	Auth            AuthConfig          `mapstructure:"auth"`

	Start   RequestTemplate `mapstructure:"start" validate:"required"`
	Status  RequestTemplate `mapstructure:"status"`
	Results RequestTemplate `mapstructure:"results"`

	Response ResponseMapping `mapstructure:"response"`
}

// RateLimit caps outbound requests for one scanner. Zero RPS disables it.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Body modes for RequestTemplate.
const (
	BodyNone      = ""
	BodyTemplate  = "template"
	BodyFile      = "file"
	BodyMultipart = "multipart"
)

// RequestTemplate is an HTTP request with {placeholder} substitution in the
// URL, headers, body and multipart fields.
type RequestTemplate struct {
	Method  string            `mapstructure:"method"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	// BodyMode selects how the body is built: template, file or multipart.
	BodyMode string `mapstructure:"body_mode" validate:"omitempty,oneof=template file multipart"`
	Body     string `mapstructure:"body"`
	// FileField names the multipart part carrying the package.
	FileField string            `mapstructure:"file_field"`
	Fields    map[string]string `mapstructure:"fields"`
}

// IsZero reports whether no request was configured.
func (t RequestTemplate) IsZero() bool { return t.URL == "" }

// ResponseMapping locates values in JSON responses using gjson paths.
type ResponseMapping struct {
	JobIDPath   string `mapstructure:"job_id_path"`
	StatusPath  string `mapstructure:"status_path"`
	ErrorPath   string `mapstructure:"error_path"`
	ThreatsPath string `mapstructure:"threats_path"`
	// StatusMap maps the remote vocabulary onto job states. Keys are
	// matched case-insensitively.
	StatusMap  map[string]scanning.ExternalStatus `mapstructure:"status_map"`
	Threat     ThreatFields                       `mapstructure:"threat"`
	Conditions []Condition                        `mapstructure:"conditions"`
}

// ThreatFields are paths relative to one element of the threats array.
type ThreatFields struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Severity    string `mapstructure:"severity"`
	FilePath    string `mapstructure:"file_path"`
	FileHash    string `mapstructure:"file_hash"`
}

// DefaultAsyncTimeout bounds an async scanner job when no timeout is set.
const DefaultAsyncTimeout = time.Hour

// Validate checks that the definition can drive a scanner.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("remote scanner: type is required")
	}
	if d.Start.IsZero() {
		return fmt.Errorf("remote scanner %s: start request is required", d.Type)
	}
	if d.Async {
		if d.Status.IsZero() {
			return fmt.Errorf("remote scanner %s: async scanners need a status request", d.Type)
		}
		if d.Response.JobIDPath == "" || d.Response.StatusPath == "" {
			return fmt.Errorf("remote scanner %s: async scanners need job_id_path and status_path", d.Type)
		}
	}
	if err := d.Auth.Validate(); err != nil {
		return fmt.Errorf("remote scanner %s: %w", d.Type, err)
	}
	for k, v := range d.Response.StatusMap {
		switch v {
		case scanning.ExternalStatusSubmitted, scanning.ExternalStatusProcessing,
			scanning.ExternalStatusCompleted, scanning.ExternalStatusFailed:
		default:
			return fmt.Errorf("remote scanner %s: status_map[%s] has unknown status %q", d.Type, k, v)
		}
	}
	return nil
}

func (d *Definition) withDefaults() {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.Async && d.Timeout <= 0 {
		d.Timeout = DefaultAsyncTimeout
	}
	if d.Poll == (scanning.PollConfig{}) {
		d.Poll = scanning.DefaultPollConfig()
	}
	if d.Response.Threat.Name == "" {
		d.Response.Threat.Name = "name"
	}
	for _, t := range []*RequestTemplate{&d.Start, &d.Status, &d.Results} {
		if t.Method == "" {
			if t.BodyMode == BodyNone {
				t.Method = "GET"
			} else {
				t.Method = "POST"
			}
		}
		t.Method = strings.ToUpper(t.Method)
	}
}

// defaultStatusVocabulary is used when no status_map is configured.
var defaultStatusVocabulary = map[string]scanning.ExternalStatus{
	"submitted":   scanning.ExternalStatusSubmitted,
	"queued":      scanning.ExternalStatusSubmitted,
	"pending":     scanning.ExternalStatusSubmitted,
	"processing":  scanning.ExternalStatusProcessing,
	"running":     scanning.ExternalStatusProcessing,
	"in_progress": scanning.ExternalStatusProcessing,
	"completed":   scanning.ExternalStatusCompleted,
	"complete":    scanning.ExternalStatusCompleted,
	"done":        scanning.ExternalStatusCompleted,
	"success":     scanning.ExternalStatusCompleted,
	"failed":      scanning.ExternalStatusFailed,
	"error":       scanning.ExternalStatusFailed,
}
