// Package remote drives third-party scanning services over HTTP from a
// declarative definition: request templates, authentication, and JSON paths
// for the job handle, status and threats.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var _ scanning.AsyncScanner = (*Scanner)(nil)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Scanner is a scanning.AsyncScanner configured by a Definition. A
// definition with Async unset completes inside StartScan.
type Scanner struct {
	def     Definition
	client  *http.Client
	auth    authenticator
	parser  *parser
	limiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// Option customizes a Scanner.
type Option func(*options)

type options struct {
	client *http.Client
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// New validates def and builds a Scanner.
func New(def Definition, log *logger.Logger, tracer trace.Tracer, opts ...Option) (*Scanner, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	def.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   def.RequestTimeout,
		}
	}

	p, err := newParser(def.Response)
	if err != nil {
		return nil, fmt.Errorf("remote scanner %s: %w", def.Type, err)
	}

	return &Scanner{
		def:     def,
		client:  o.client,
		auth:    newAuthenticator(def.Auth, o.client),
		parser:  p,
		limiter: common.NewRateLimiter(def.RateLimit.RPS, def.RateLimit.Burst),
		logger:  log.With("component", "remote_scanner", "scanner_type", def.Type),
		tracer:  tracer,
	}, nil
}

func (s *Scanner) Type() string                    { return s.def.Type }
func (s *Scanner) IsAsync() bool                   { return s.def.Async }
func (s *Scanner) IsRequired() bool                { return s.def.Required }
func (s *Scanner) EnforcesThreats() bool           { return s.def.EnforcesThreats }
func (s *Scanner) Timeout() time.Duration          { return s.def.Timeout }
func (s *Scanner) PollConfig() scanning.PollConfig { return s.def.Poll }

func (s *Scanner) StartScan(ctx context.Context, cmd scanning.ScanCommand) (scanning.Invocation, error) {
	ctx, span := s.tracer.Start(ctx, "remote_scanner.scanning.start_scan",
		trace.WithAttributes(
			attribute.String("scanner_type", s.def.Type),
			attribute.Int64("scan_id", cmd.ScanID),
			attribute.Bool("async", s.def.Async),
		),
	)
	defer span.End()

	body, err := s.do(ctx, s.def.Start, commandVars(cmd), cmd.File)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start request failed")
		return scanning.Invocation{}, err
	}

	if !s.def.Async {
		threats, err := s.parser.threats(body)
		if err != nil {
			span.RecordError(err)
			return scanning.Invocation{}, fmt.Errorf("failed to parse scan result: %w", err)
		}
		span.SetAttributes(attribute.Int("threats", len(threats)))
		return scanning.Completed(&scanning.ScanResult{Threats: threats}), nil
	}

	handle, err := s.parser.jobID(body)
	if err != nil {
		span.RecordError(err)
		return scanning.Invocation{}, err
	}
	span.SetAttributes(attribute.String("handle", handle))
	s.logger.Debug(ctx, "Remote scan submitted", "scan_id", cmd.ScanID, "handle", handle)
	return scanning.Submitted(handle), nil
}

func (s *Scanner) PollStatus(ctx context.Context, handle string) (scanning.ExternalStatus, error) {
	ctx, span := s.tracer.Start(ctx, "remote_scanner.scanning.poll_status",
		trace.WithAttributes(attribute.String("scanner_type", s.def.Type), attribute.String("handle", handle)))
	defer span.End()

	body, err := s.do(ctx, s.def.Status, handleVars(handle), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status request failed")
		return "", err
	}

	status, message, err := s.parser.status(body)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if status == scanning.ExternalStatusFailed && message != "" {
		s.logger.Warn(ctx, "Remote scan failed", "handle", handle, "message", message)
	}
	span.SetAttributes(attribute.String("status", string(status)))
	return status, nil
}

func (s *Scanner) FetchResults(ctx context.Context, handle string) (*scanning.ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "remote_scanner.scanning.fetch_results",
		trace.WithAttributes(attribute.String("scanner_type", s.def.Type), attribute.String("handle", handle)))
	defer span.End()

	tmpl := s.def.Results
	if tmpl.IsZero() {
		tmpl = s.def.Status
	}
	body, err := s.do(ctx, tmpl, handleVars(handle), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "results request failed")
		return nil, err
	}

	threats, err := s.parser.threats(body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse scan result: %w", err)
	}
	span.SetAttributes(attribute.Int("threats", len(threats)))
	return &scanning.ScanResult{Threats: threats}, nil
}

// do sends one templated request and returns the body of a 2xx response. A
// 401 drops cached credentials and the request is retried once.
func (s *Scanner) do(ctx context.Context, tmpl RequestTemplate, v vars, file *scanning.ExtensionFile) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := tmpl.build(ctx, v, file)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if err := s.auth.apply(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Redacted(), err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 1 {
			s.auth.invalidate()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Redacted(), resp.StatusCode, truncate(body))
		}
		return body, nil
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
