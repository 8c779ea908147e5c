package scanning

import (
	"context"
	"sync"
)

// ExtensionVersion is the registry's view of a published package version.
type ExtensionVersion struct {
	ID        int64
	Identity  ExtensionIdentity
	Publisher string
	Active    bool
}

// PublishingUser identifies who submitted the package.
type PublishingUser struct {
	LoginName string `json:"login_name"`
	FullName  string `json:"full_name,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// ExtensionFile is a scoped handle on a downloaded package. Release must be
// called once the caller is done; it is safe to call more than once.
type ExtensionFile struct {
	Path   string
	Size   int64
	SHA256 string

	once    sync.Once
	release func() error
	err     error
}

// NewExtensionFile wraps a local file with its cleanup function.
func NewExtensionFile(path string, size int64, sha256 string, release func() error) *ExtensionFile {
	return &ExtensionFile{Path: path, Size: size, SHA256: sha256, release: release}
}

// Release frees the underlying temporary file.
func (f *ExtensionFile) Release() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if f.release != nil {
			f.err = f.release()
		}
	})
	return f.err
}

// ExtensionCatalog looks up and activates extension versions in the registry.
type ExtensionCatalog interface {
	// GetExtensionVersion returns ErrExtensionVersionNotFound for unknown ids.
	GetExtensionVersion(ctx context.Context, extensionVersionID int64) (*ExtensionVersion, error)
	// ActivateExtension makes the version publicly available. Activating an
	// already active version is not an error.
	ActivateExtension(ctx context.Context, extensionVersionID int64) error
}

// PackageStore downloads package contents.
type PackageStore interface {
	GetExtensionFile(ctx context.Context, extensionVersionID int64) (*ExtensionFile, error)
}
