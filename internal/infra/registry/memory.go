package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

var (
	_ scanning.ExtensionCatalog = (*MemoryRegistry)(nil)
	_ scanning.PackageStore     = (*MemoryRegistry)(nil)
)

// MemoryRegistry is a local stand-in for the registry. Packages are read
// from <dir>/<id>.vsix and copied to a temp file per request.
type MemoryRegistry struct {
	mu       sync.RWMutex
	versions map[int64]*scanning.ExtensionVersion
	dir      string
}

// NewMemoryRegistry serves packages from dir.
func NewMemoryRegistry(dir string) *MemoryRegistry {
	return &MemoryRegistry{versions: make(map[int64]*scanning.ExtensionVersion), dir: dir}
}

// Put registers or replaces a version.
func (m *MemoryRegistry) Put(v scanning.ExtensionVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.ID] = &v
}

func (m *MemoryRegistry) GetExtensionVersion(_ context.Context, id int64) (*scanning.ExtensionVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, fmt.Errorf("extension version %d: %w", id, scanning.ErrExtensionVersionNotFound)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryRegistry) ActivateExtension(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return fmt.Errorf("extension version %d: %w", id, scanning.ErrExtensionVersionNotFound)
	}
	v.Active = true
	return nil
}

func (m *MemoryRegistry) GetExtensionFile(_ context.Context, id int64) (*scanning.ExtensionFile, error) {
	src, err := os.Open(filepath.Join(m.dir, strconv.FormatInt(id, 10)+".vsix"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("package for %d: %w", id, scanning.ErrExtensionVersionNotFound)
		}
		return nil, err
	}
	defer src.Close()
	return spool("", id, src, 0)
}
