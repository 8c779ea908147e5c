// Package registry talks to the extension registry: version lookup, package
// download and activation.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var (
	_ scanning.ExtensionCatalog = (*Client)(nil)
	_ scanning.PackageStore     = (*Client)(nil)
)

// Config locates the registry's internal API.
type Config struct {
	BaseURL string        `mapstructure:"base_url" validate:"required_if=Driver http"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	// TempDir receives downloaded packages. Empty uses the OS default.
	TempDir string `mapstructure:"temp_dir"`
	// MaxPackageSize rejects downloads larger than this many bytes.
	MaxPackageSize int64 `mapstructure:"max_package_size"`
	// Driver selects http or memory.
	Driver string `mapstructure:"driver" validate:"oneof=http memory"`
	// PackageDir serves <id>.vsix files for the memory driver.
	PackageDir string `mapstructure:"package_dir"`
}

// Client is the HTTP implementation of the catalog and package store.
type Client struct {
	base   *url.URL
	cfg    Config
	client *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// versionDTO is the registry's JSON view of an extension version.
type versionDTO struct {
	ID             int64  `json:"id"`
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	TargetPlatform string `json:"targetPlatform"`
	DisplayName    string `json:"displayName"`
	Publisher      string `json:"publisher"`
	Active         bool   `json:"active"`
}

// NewClient creates a registry client.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("invalid registry base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		base: base,
		cfg:  cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		logger: log.With("component", "registry_client"),
		tracer: tracer,
	}, nil
}

func (c *Client) GetExtensionVersion(ctx context.Context, extensionVersionID int64) (*scanning.ExtensionVersion, error) {
	ctx, span := c.tracer.Start(ctx, "registry_client.get_extension_version",
		trace.WithAttributes(attribute.Int64("extension_version_id", extensionVersionID)))
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, versionPath(extensionVersionID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	var dto versionDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode extension version %d: %w", extensionVersionID, err)
	}

	return &scanning.ExtensionVersion{
		ID: dto.ID,
		Identity: scanning.ExtensionIdentity{
			Namespace:      dto.Namespace,
			Name:           dto.Name,
			Version:        dto.Version,
			TargetPlatform: dto.TargetPlatform,
			DisplayName:    dto.DisplayName,
		},
		Publisher: dto.Publisher,
		Active:    dto.Active,
	}, nil
}

func (c *Client) ActivateExtension(ctx context.Context, extensionVersionID int64) error {
	ctx, span := c.tracer.Start(ctx, "registry_client.activate_extension",
		trace.WithAttributes(attribute.Int64("extension_version_id", extensionVersionID)))
	defer span.End()

	resp, err := c.do(ctx, http.MethodPost, versionPath(extensionVersionID)+"/activate")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		return err
	}
	resp.Body.Close()

	c.logger.Info(ctx, "Extension version activated", "extension_version_id", extensionVersionID)
	return nil
}

// GetExtensionFile downloads the package into a temporary file. The file is
// removed when the returned handle is released.
func (c *Client) GetExtensionFile(ctx context.Context, extensionVersionID int64) (*scanning.ExtensionFile, error) {
	ctx, span := c.tracer.Start(ctx, "registry_client.get_extension_file",
		trace.WithAttributes(attribute.Int64("extension_version_id", extensionVersionID)))
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, versionPath(extensionVersionID)+"/file")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	if c.cfg.MaxPackageSize > 0 && resp.ContentLength > c.cfg.MaxPackageSize {
		return nil, fmt.Errorf("package of %d bytes exceeds limit of %d", resp.ContentLength, c.cfg.MaxPackageSize)
	}

	file, err := spool(c.cfg.TempDir, extensionVersionID, resp.Body, c.cfg.MaxPackageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("size", file.Size))
	return file, nil
}

// spool copies r into a new temporary file while hashing it.
func spool(dir string, extensionVersionID int64, r io.Reader, limit int64) (*scanning.ExtensionFile, error) {
	f, err := os.CreateTemp(dir, "extension-"+strconv.FormatInt(extensionVersionID, 10)+"-*.vsix")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	remove := func() error {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("package exceeds limit of %d bytes", limit)
	}
	if err != nil {
		_ = remove()
		return nil, fmt.Errorf("failed to download package: %w", err)
	}

	return scanning.NewExtensionFile(f.Name(), n, hex.EncodeToString(h.Sum(nil)), remove), nil
}

func versionPath(id int64) string {
	return "/api/internal/extension-versions/" + strconv.FormatInt(id, 10)
}

// do sends a request and returns the response when it is 2xx. A 404 maps to
// scanning.ErrExtensionVersionNotFound.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry %s %s failed: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("registry %s: %w", path, scanning.ErrExtensionVersionNotFound)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, fmt.Errorf("registry %s %s returned %d: %s", method, path, resp.StatusCode, body)
}
