// Package memory provides in-memory implementations of the scanning
// repositories for tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

var _ scanning.ScanRepository = (*ScanStore)(nil)

// ScanStore keeps scans in a map. UpdateScan serializes callers per scan so
// it behaves like a row lock.
type ScanStore struct {
	mu       sync.Mutex
	nextID   int64
	scans    map[int64]*scanning.Scan
	rowLocks map[int64]*sync.Mutex
}

// NewScanStore creates an empty ScanStore.
func NewScanStore() *ScanStore {
	return &ScanStore{
		scans:    make(map[int64]*scanning.Scan),
		rowLocks: make(map[int64]*sync.Mutex),
	}
}

// CreateScan stores scan and assigns its id.
func (s *ScanStore) CreateScan(_ context.Context, scan *scanning.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	scan.AssignID(s.nextID)
	s.scans[scan.ID()] = copyScan(scan)
	s.rowLocks[scan.ID()] = new(sync.Mutex)
	return nil
}

// GetScan returns a copy of the scan.
func (s *ScanStore) GetScan(_ context.Context, scanID int64) (*scanning.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("scan %d: %w", scanID, scanning.ErrScanNotFound)
	}
	return copyScan(scan), nil
}

// UpdateScan applies mutate to a copy of the scan while holding its row lock
// and stores the copy when mutate succeeds.
func (s *ScanStore) UpdateScan(
	ctx context.Context,
	scanID int64,
	mutate func(*scanning.Scan) error,
) (*scanning.Scan, error) {
	s.mu.Lock()
	lock, ok := s.rowLocks[scanID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scan %d: %w", scanID, scanning.ErrScanNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if err := mutate(scan); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scans[scanID] = copyScan(scan)
	s.mu.Unlock()
	return copyScan(scan), nil
}

// ListScansByStatus returns scans in any of statuses ordered by id.
func (s *ScanStore) ListScansByStatus(_ context.Context, statuses ...scanning.ScanStatus) ([]*scanning.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*scanning.Scan
	for _, scan := range s.scans {
		if slices.Contains(statuses, scan.Status()) {
			out = append(out, copyScan(scan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func copyScan(s *scanning.Scan) *scanning.Scan {
	return scanning.ReconstructScan(
		s.ID(),
		s.ExtensionVersionID(),
		s.Extension(),
		s.Publisher(),
		s.Status(),
		s.ErrorMessage(),
		scanning.ReconstructTimeline(s.StartedAt(), s.CompletedAt(), s.LastUpdate()),
	)
}
