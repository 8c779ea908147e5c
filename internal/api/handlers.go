package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/eclipse/openvsx-scan-orchestrator/internal/app/scanning"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: s.cfg.Build})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "Readiness check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "not ready", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Build: s.cfg.Build})
}

// submitScanRequest is sent by the publish pipeline after a package upload.
type submitScanRequest struct {
	ExtensionVersionID int64          `json:"extension_version_id" validate:"required,gt=0"`
	User               publishingUser `json:"user"`
}

type publishingUser struct {
	LoginName string `json:"login_name" validate:"omitempty,max=255"`
	FullName  string `json:"full_name" validate:"omitempty,max=255"`
	Provider  string `json:"provider" validate:"omitempty,max=64"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.scans.submit")
	defer span.End()
	s.metrics.IncScanRequestsTotal(ctx)

	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.IncScanRequestErrors(ctx, "decode")
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if fields := check(req); fields != nil {
		s.metrics.IncScanRequestErrors(ctx, "validation")
		writeError(w, http.StatusBadRequest, "invalid request", fields)
		return
	}
	span.SetAttributes(attribute.Int64("extension_version_id", req.ExtensionVersionID))

	scan, err := s.cfg.Scans.StartScan(ctx, appscanning.SubmitScanCommand{
		ExtensionVersionID: req.ExtensionVersionID,
		User: domain.PublishingUser{
			LoginName: req.User.LoginName,
			FullName:  req.User.FullName,
			Provider:  req.User.Provider,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start scan failed")
		s.metrics.IncScanRequestErrors(ctx, "start")
		s.writeDomainError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Int64("scan_id", scan.ID()), attribute.String("status", scan.Status().String()))
	writeJSON(w, http.StatusAccepted, newScanView(scan, scan.Status()))
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "api.scans.get",
		trace.WithAttributes(attribute.Int64("scan_id", scanID)))
	defer span.End()

	details, err := s.cfg.Scans.GetScanDetails(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newScanDetailsView(details))
}

type allowScanRequest struct {
	Admin string `json:"admin" validate:"required,max=255"`
}

func (s *Server) handleAllowScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := scanIDParam(w, r)
	if !ok {
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "api.scans.admin_allow",
		trace.WithAttributes(attribute.Int64("scan_id", scanID)))
	defer span.End()

	var req allowScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if fields := check(req); fields != nil {
		writeError(w, http.StatusBadRequest, "invalid request", fields)
		return
	}

	details, err := s.cfg.Scans.AdminAllowScan(ctx, scanID, req.Admin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admin allow failed")
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info(ctx, "Scan allowed by admin", "scan_id", scanID, "admin", req.Admin)
	writeJSON(w, http.StatusOK, newScanDetailsView(details))
}

type scannerView struct {
	Type            string            `json:"type"`
	Async           bool              `json:"async"`
	Required        bool              `json:"required"`
	EnforcesThreats bool              `json:"enforces_threats"`
	Timeout         string            `json:"timeout"`
	Poll            domain.PollConfig `json:"poll"`
}

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	scanners := s.cfg.Scans.ListScanners()
	out := make([]scannerView, 0, len(scanners))
	for _, sc := range scanners {
		v := scannerView{
			Type:            sc.Type(),
			Async:           sc.IsAsync(),
			Required:        sc.IsRequired(),
			EnforcesThreats: sc.EnforcesThreats(),
			Timeout:         sc.Timeout().String(),
		}
		if sc.IsAsync() {
			v.Poll = sc.PollConfig()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"scanners": out})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		writeError(w, http.StatusNotFound, "queue stats unavailable", nil)
		return
	}
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": stats})
}

// scanIDParam parses {scanID}; it writes a 400 and returns false when malformed.
func scanIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "scanID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid scan id %q", raw), nil)
		return 0, false
	}
	return id, true
}

// writeDomainError maps orchestrator errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrScanNotFound):
		writeError(w, http.StatusNotFound, "scan not found", nil)
	case errors.Is(err, domain.ErrExtensionVersionNotFound):
		writeError(w, http.StatusNotFound, "extension version not found", nil)
	case errors.Is(err, domain.ErrAdminAllowNotPermitted):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		s.logger.Error(r.Context(), "Request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

type scanView struct {
	ID                 int64                    `json:"id"`
	ExtensionVersionID int64                    `json:"extension_version_id"`
	Extension          domain.ExtensionIdentity `json:"extension"`
	Publisher          string                   `json:"publisher"`
	Status             string                   `json:"status"`
	EffectiveStatus    string                   `json:"effective_status"`
	ErrorMessage       string                   `json:"error_message,omitempty"`
	StartedAt          time.Time                `json:"started_at"`
	CompletedAt        *time.Time               `json:"completed_at,omitempty"`
}

func newScanView(scan *domain.Scan, effective domain.ScanStatus) scanView {
	v := scanView{
		ID:                 scan.ID(),
		ExtensionVersionID: scan.ExtensionVersionID(),
		Extension:          scan.Extension(),
		Publisher:          scan.Publisher(),
		Status:             scan.Status().String(),
		EffectiveStatus:    effective.String(),
		ErrorMessage:       scan.ErrorMessage(),
		StartedAt:          scan.StartedAt(),
	}
	if c := scan.CompletedAt(); !c.IsZero() {
		v.CompletedAt = &c
	}
	return v
}

type jobView struct {
	ScannerType   string    `json:"scanner_type"`
	Status        string    `json:"status"`
	ExternalJobID string    `json:"external_job_id,omitempty"`
	PollAttempts  int       `json:"poll_attempts"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type scanDetailsView struct {
	Scan               scanView                   `json:"scan"`
	Jobs               []jobView                  `json:"jobs"`
	CheckResults       []domain.CheckResult       `json:"check_results"`
	ValidationFailures []domain.ValidationFailure `json:"validation_failures"`
	Threats            []domain.Threat            `json:"threats"`
	AdminDecisions     []domain.AdminDecision     `json:"admin_decisions"`
}

func newScanDetailsView(d *appscanning.ScanDetails) scanDetailsView {
	v := scanDetailsView{
		Scan:               newScanView(d.Scan, d.EffectiveStatus),
		Jobs:               make([]jobView, 0, len(d.Jobs)),
		CheckResults:       nonNil(d.CheckResults),
		ValidationFailures: nonNil(d.ValidationFailures),
		Threats:            nonNil(d.Threats),
		AdminDecisions:     nonNil(d.AdminDecisions),
	}
	for _, j := range d.Jobs {
		v.Jobs = append(v.Jobs, jobView{
			ScannerType:   j.ScannerType(),
			Status:        j.Status().String(),
			ExternalJobID: j.ExternalJobID(),
			PollAttempts:  j.PollAttempts(),
			ErrorMessage:  j.ErrorMessage(),
			CreatedAt:     j.CreatedAt(),
			UpdatedAt:     j.UpdatedAt(),
		})
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
