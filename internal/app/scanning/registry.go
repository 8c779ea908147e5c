package scanning

import (
	"context"
	"slices"
	"sync"

	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// ScannerRegistry is the live set of background scanners keyed by type.
// Lookups always reflect the current configuration; nothing snapshots it.
type ScannerRegistry struct {
	mu       sync.RWMutex
	scanners map[string]domain.Scanner

	logger *logger.Logger
}

// NewScannerRegistry returns a registry seeded with scanners.
func NewScannerRegistry(logger *logger.Logger, scanners ...domain.Scanner) *ScannerRegistry {
	r := &ScannerRegistry{
		scanners: make(map[string]domain.Scanner, len(scanners)),
		logger:   logger.With("component", "scanner_registry"),
	}
	for _, s := range scanners {
		r.scanners[s.Type()] = s
	}
	return r
}

// Register adds or replaces the scanner for s.Type().
func (r *ScannerRegistry) Register(s domain.Scanner) {
	r.mu.Lock()
	r.scanners[s.Type()] = s
	r.mu.Unlock()
}

// Unregister removes the scanner for scannerType and reports whether it existed.
func (r *ScannerRegistry) Unregister(scannerType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.scanners[scannerType]
	delete(r.scanners, scannerType)
	return ok
}

// Get returns the scanner registered for scannerType.
func (r *ScannerRegistry) Get(scannerType string) (domain.Scanner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[scannerType]
	return s, ok
}

// All returns the registered scanners ordered by type.
func (r *ScannerRegistry) All() []domain.Scanner {
	r.mu.RLock()
	out := make([]domain.Scanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Scanner) int {
		switch {
		case a.Type() < b.Type():
			return -1
		case a.Type() > b.Type():
			return 1
		}
		return 0
	})
	return out
}

// Types returns the registered scanner types in order.
func (r *ScannerRegistry) Types() []string {
	all := r.All()
	types := make([]string, len(all))
	for i, s := range all {
		types[i] = s.Type()
	}
	return types
}

// Sync replaces the registry contents with scanners, used on configuration
// reload. It returns the types that were added and removed.
func (r *ScannerRegistry) Sync(ctx context.Context, scanners []domain.Scanner) (added, removed []string) {
	next := make(map[string]domain.Scanner, len(scanners))
	for _, s := range scanners {
		next[s.Type()] = s
	}

	r.mu.Lock()
	for t := range r.scanners {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}
	for t := range next {
		if _, ok := r.scanners[t]; !ok {
			added = append(added, t)
		}
	}
	r.scanners = next
	r.mu.Unlock()

	slices.Sort(added)
	slices.Sort(removed)
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info(ctx, "Scanner registry updated", "added", added, "removed", removed, "total", len(next))
	}
	return added, removed
}
