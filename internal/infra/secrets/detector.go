// Package secrets finds credentials inside extension packages using the
// gitleaks detection engine. The same detector backs the SECRET_SCAN gating
// check and the in-process gitleaks scanner.
package secrets

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// Config bounds how much of an archive is inspected.
type Config struct {
	// MaxFileSize skips entries larger than this many bytes.
	MaxFileSize int64 `mapstructure:"max_file_size" validate:"gte=0"`
	// MaxEntries stops scanning after this many files. Zero means no limit.
	MaxEntries int `mapstructure:"max_entries" validate:"gte=0"`
	// SkipExtensions lists file suffixes that are never scanned.
	SkipExtensions []string `mapstructure:"skip_extensions"`
	// ConfigPath optionally points at a gitleaks TOML file replacing the
	// embedded default rules.
	ConfigPath string `mapstructure:"config_path"`
}

// DefaultConfig skips media and font files and entries over 1 MiB.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:    1 << 20,
		MaxEntries:     10000,
		SkipExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".ico", ".woff", ".woff2", ".ttf", ".wasm"},
	}
}

// Finding is one secret located in an archive entry. The secret itself is
// never kept; Fingerprint is a hash of it.
type Finding struct {
	RuleID      string
	Description string
	File        string
	Line        int
	Fingerprint string
}

// Detector scans zip archives for secrets.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
	cfg      Config
	skip     map[string]struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDetector builds a Detector from the embedded gitleaks rules, or from
// cfg.ConfigPath when set.
func NewDetector(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Detector, error) {
	d, err := setupGitleaksDetector(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(cfg.SkipExtensions))
	for _, ext := range cfg.SkipExtensions {
		skip[strings.ToLower(ext)] = struct{}{}
	}

	return &Detector{
		detector: d,
		cfg:      cfg,
		skip:     skip,
		logger:   log.With("component", "secret_detector"),
		tracer:   tracer,
	}, nil
}

// setupGitleaksDetector initializes the gitleaks detector from TOML rules.
func setupGitleaksDetector(configPath string) (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read gitleaks config %s: %w", configPath, err)
		}
	} else if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate ViperConfig to Config: %w", err)
	}

	return detect.NewDetector(cfg), nil
}

// RuleCount reports how many detection rules are loaded.
func (d *Detector) RuleCount() int { return len(d.detector.Config.Rules) }

// ScanArchive inspects every text entry of the zip archive at archivePath.
func (d *Detector) ScanArchive(ctx context.Context, archivePath string) ([]Finding, error) {
	ctx, span := d.tracer.Start(ctx, "secret_detector.scan_archive",
		trace.WithAttributes(attribute.String("archive", path.Base(archivePath))))
	defer span.End()

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open archive failed")
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var (
		findings []Finding
		scanned  int
	)
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.cfg.MaxEntries > 0 && scanned >= d.cfg.MaxEntries {
			d.logger.Warn(ctx, "Archive entry limit reached, remaining entries skipped",
				"limit", d.cfg.MaxEntries, "entries", len(r.File))
			break
		}
		if !d.shouldScan(f) {
			continue
		}
		scanned++

		content, err := readEntry(f, d.cfg.MaxFileSize)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		findings = append(findings, d.ScanContent(f.Name, content)...)
	}

	span.SetAttributes(attribute.Int("entries_scanned", scanned), attribute.Int("findings", len(findings)))
	return findings, nil
}

// ScanContent runs the rules over a single file body.
func (d *Detector) ScanContent(name string, content []byte) []Finding {
	d.mu.Lock()
	results := d.detector.Detect(detect.Fragment{Raw: string(content), FilePath: name})
	d.mu.Unlock()

	out := make([]Finding, 0, len(results))
	for _, r := range results {
		sum := sha256.Sum256([]byte(r.Secret))
		out = append(out, Finding{
			RuleID:      r.RuleID,
			Description: r.Description,
			File:        name,
			Line:        r.StartLine,
			Fingerprint: hex.EncodeToString(sum[:8]),
		})
	}
	return out
}

func (d *Detector) shouldScan(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	if d.cfg.MaxFileSize > 0 && int64(f.UncompressedSize64) > d.cfg.MaxFileSize {
		return false
	}
	_, skipped := d.skip[strings.ToLower(path.Ext(f.Name))]
	return !skipped
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var reader io.Reader = rc
	if limit > 0 {
		reader = io.LimitReader(rc, limit)
	}
	return io.ReadAll(reader)
}
