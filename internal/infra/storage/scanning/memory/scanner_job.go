package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

var _ scanning.ScannerJobRepository = (*ScannerJobStore)(nil)

type jobKey struct {
	scanID      int64
	scannerType string
}

// ScannerJobStore keeps scanner jobs keyed by (scan id, scanner type).
type ScannerJobStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[jobKey]*scanning.ScannerJob
}

// NewScannerJobStore creates an empty ScannerJobStore.
func NewScannerJobStore() *ScannerJobStore {
	return &ScannerJobStore{jobs: make(map[jobKey]*scanning.ScannerJob)}
}

// FindOrCreateJob returns the job for (scan, scanner type) or inserts job.
func (s *ScannerJobStore) FindOrCreateJob(_ context.Context, job *scanning.ScannerJob) (*scanning.ScannerJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{job.ScanID(), job.ScannerType()}
	if existing, ok := s.jobs[key]; ok {
		return copyJob(existing), false, nil
	}
	s.nextID++
	job.AssignID(s.nextID)
	s.jobs[key] = copyJob(job)
	return copyJob(job), true, nil
}

// GetJob returns the job for (scan, scanner type).
func (s *ScannerJobStore) GetJob(_ context.Context, scanID int64, scannerType string) (*scanning.ScannerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobKey{scanID, scannerType}]
	if !ok {
		return nil, fmt.Errorf("scan %d scanner %s: %w", scanID, scannerType, scanning.ErrScannerJobNotFound)
	}
	return copyJob(job), nil
}

// UpdateJob applies mutate to a copy of the job and stores it on success.
func (s *ScannerJobStore) UpdateJob(
	_ context.Context,
	scanID int64,
	scannerType string,
	mutate func(*scanning.ScannerJob) error,
) (*scanning.ScannerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{scanID, scannerType}
	current, ok := s.jobs[key]
	if !ok {
		return nil, fmt.Errorf("scan %d scanner %s: %w", scanID, scannerType, scanning.ErrScannerJobNotFound)
	}
	job := copyJob(current)
	if err := mutate(job); err != nil {
		return nil, err
	}
	s.jobs[key] = copyJob(job)
	return job, nil
}

// ListJobsByScan returns the scan's jobs ordered by scanner type.
func (s *ScannerJobStore) ListJobsByScan(_ context.Context, scanID int64) ([]*scanning.ScannerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*scanning.ScannerJob
	for k, job := range s.jobs {
		if k.scanID == scanID {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScannerType() < out[j].ScannerType() })
	return out, nil
}

// ListJobsByStatus returns jobs in any of statuses ordered by id.
func (s *ScannerJobStore) ListJobsByStatus(
	_ context.Context,
	statuses ...scanning.ScannerJobStatus,
) ([]*scanning.ScannerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*scanning.ScannerJob
	for _, job := range s.jobs {
		if slices.Contains(statuses, job.Status()) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func copyJob(j *scanning.ScannerJob) *scanning.ScannerJob {
	return scanning.ReconstructScannerJob(
		j.ID(),
		j.ScanID(),
		j.ScannerType(),
		j.ExtensionVersionID(),
		j.Status(),
		j.ExternalJobID(),
		j.PollAttempts(),
		j.PollLeaseUntil(),
		j.RecoveryInProgress(),
		j.ErrorMessage(),
		j.CreatedAt(),
		j.UpdatedAt(),
	)
}
