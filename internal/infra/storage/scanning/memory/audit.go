package memory

import (
	"context"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

var _ scanning.AuditRepository = (*AuditStore)(nil)

// AuditStore keeps audit rows in append order.
type AuditStore struct {
	mu        sync.Mutex
	nextID    int64
	results   []scanning.CheckResult
	failures  []scanning.ValidationFailure
	threats   []scanning.Threat
	decisions []scanning.AdminDecision
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore { return new(AuditStore) }

func (s *AuditStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *AuditStore) RecordCheckResult(_ context.Context, result *scanning.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result.ID = s.id()
	s.results = append(s.results, *result)
	return nil
}

func (s *AuditStore) RecordValidationFailures(_ context.Context, failures []scanning.ValidationFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range failures {
		f.ID = s.id()
		s.failures = append(s.failures, f)
	}
	return nil
}

func (s *AuditStore) ReplaceThreats(_ context.Context, scanID int64, scannerType string, threats []scanning.Threat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.threats[:0:0]
	for _, t := range s.threats {
		if t.ScanID != scanID || t.ScannerType != scannerType {
			kept = append(kept, t)
		}
	}
	for _, t := range threats {
		t.ID = s.id()
		t.ScanID = scanID
		t.ScannerType = scannerType
		kept = append(kept, t)
	}
	s.threats = kept
	return nil
}

func (s *AuditStore) RecordAdminDecision(_ context.Context, decision *scanning.AdminDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	decision.ID = s.id()
	s.decisions = append(s.decisions, *decision)
	return nil
}

func (s *AuditStore) ListCheckResults(_ context.Context, scanID int64) ([]scanning.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.results, func(r scanning.CheckResult) bool { return r.ScanID == scanID }), nil
}

func (s *AuditStore) ListValidationFailures(_ context.Context, scanID int64) ([]scanning.ValidationFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.failures, func(f scanning.ValidationFailure) bool { return f.ScanID == scanID }), nil
}

func (s *AuditStore) ListThreats(_ context.Context, scanID int64) ([]scanning.Threat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.threats, func(t scanning.Threat) bool { return t.ScanID == scanID }), nil
}

func (s *AuditStore) ListAdminDecisions(_ context.Context, scanID int64) ([]scanning.AdminDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.decisions, func(d scanning.AdminDecision) bool { return d.ScanID == scanID }), nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	var out []T
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
