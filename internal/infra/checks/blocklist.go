package checks

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var _ scanning.ActionCheck = (*BlocklistCheck)(nil)

// BlocklistFile is the on-disk YAML format of the blocklist.
type BlocklistFile struct {
	Hashes []struct {
		SHA256 string `yaml:"sha256"`
		Rule   string `yaml:"rule"`
		Reason string `yaml:"reason"`
	} `yaml:"hashes"`
	NamePatterns []struct {
		Pattern string `yaml:"pattern"`
		Rule    string `yaml:"rule"`
		Reason  string `yaml:"reason"`
	} `yaml:"name_patterns"`
}

type blockedHash struct{ rule, reason string }

type blockedName struct {
	re           *regexp.Regexp
	rule, reason string
}

type blocklist struct {
	hashes map[string]blockedHash
	names  []blockedName
}

// BlocklistCheck rejects packages that are, or contain, a known-bad file. A
// file is matched by its SHA-256 or by its archive path.
type BlocklistCheck struct {
	base
	path string
	list atomic.Pointer[blocklist]

	logger *logger.Logger
	tracer trace.Tracer
}

// NewBlocklistCheck loads the blocklist at path.
func NewBlocklistCheck(settings Settings, path string, log *logger.Logger, tracer trace.Tracer) (*BlocklistCheck, error) {
	c := &BlocklistCheck{
		base:   base{checkType: TypeBlocklist, settings: settings},
		path:   path,
		logger: log.With("component", "blocklist_check"),
		tracer: tracer,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rereads the blocklist file. On error the previous list stays active.
func (c *BlocklistCheck) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read blocklist %s: %w", c.path, err)
	}
	list, err := parseBlocklist(raw)
	if err != nil {
		return fmt.Errorf("invalid blocklist %s: %w", c.path, err)
	}
	c.list.Store(list)
	return nil
}

// Size reports the number of blocked hashes and name patterns.
func (c *BlocklistCheck) Size() (hashes, patterns int) {
	l := c.list.Load()
	return len(l.hashes), len(l.names)
}

func parseBlocklist(raw []byte) (*blocklist, error) {
	var f BlocklistFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	list := &blocklist{hashes: make(map[string]blockedHash, len(f.Hashes))}
	for _, h := range f.Hashes {
		sum := strings.ToLower(strings.TrimSpace(h.SHA256))
		if len(sum) != sha256.Size*2 {
			return nil, fmt.Errorf("hash %q is not a sha256 digest", h.SHA256)
		}
		list.hashes[sum] = blockedHash{rule: ruleOr(h.Rule, "blocked-file-hash"), reason: h.Reason}
	}
	for _, p := range f.NamePatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
		list.names = append(list.names, blockedName{re: re, rule: ruleOr(p.Rule, "blocked-file-name"), reason: p.Reason})
	}
	return list, nil
}

func ruleOr(rule, fallback string) string {
	if rule == "" {
		return fallback
	}
	return rule
}

func (c *BlocklistCheck) Execute(ctx context.Context, in scanning.CheckInput) (scanning.CheckOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "blocklist_check.execute",
		trace.WithAttributes(attribute.Int64("scan_id", in.Scan.ID())))
	defer span.End()

	if in.File == nil {
		return scanning.CheckOutcome{}, fmt.Errorf("blocklist check needs the package file")
	}
	list := c.list.Load()

	var failures []scanning.CheckFailure
	if hit, ok := list.hashes[strings.ToLower(in.File.SHA256)]; ok {
		failures = append(failures, scanning.CheckFailure{
			RuleName: hit.rule,
			Reason:   reasonOr(hit.reason, "package sha256 "+in.File.SHA256+" is blocklisted"),
		})
	}

	r, err := zip.OpenReader(in.File.Path)
	if err != nil {
		return scanning.CheckOutcome{}, fmt.Errorf("failed to open package: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return scanning.CheckOutcome{}, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		for _, n := range list.names {
			if n.re.MatchString(f.Name) {
				failures = append(failures, scanning.CheckFailure{
					RuleName: n.rule,
					Reason:   reasonOr(n.reason, f.Name+" matches a blocked file name"),
				})
			}
		}
		if len(list.hashes) == 0 {
			continue
		}
		sum, err := entrySHA256(f)
		if err != nil {
			return scanning.CheckOutcome{}, fmt.Errorf("failed to hash %s: %w", f.Name, err)
		}
		if hit, ok := list.hashes[sum]; ok {
			failures = append(failures, scanning.CheckFailure{
				RuleName: hit.rule,
				Reason:   reasonOr(hit.reason, f.Name+" sha256 "+sum+" is blocklisted"),
			})
		}
	}

	span.SetAttributes(attribute.Int("failures", len(failures)))
	if len(failures) > 0 {
		c.logger.Info(ctx, "Blocklisted content found", "scan_id", in.Scan.ID(), "failures", len(failures))
	}
	return scanning.Failed(failures...), nil
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func entrySHA256(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
