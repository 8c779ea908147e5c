package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OVSX_SCAN_DATABASE_URL", "postgres://u:p@localhost:5432/scans")
	t.Setenv("OVSX_SCAN_REGISTRY_BASE_URL", "https://open-vsx.example.org")

	cfg, err := NewFileLoader("", WithEnvFile("")).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "openvsx-scan-orchestrator", cfg.Service.Name)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/scans", cfg.Database.URL)
	assert.Equal(t, time.Minute, cfg.Scanning.NewScannerGracePeriod)
	assert.Equal(t, 30*time.Minute, cfg.Watchdog.QueuedFailAfter)
	assert.Equal(t, "standalone", cfg.Cluster.Mode)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr())
	assert.Equal(t, "https://open-vsx.example.org", cfg.Registry.BaseURL)

	sc := cfg.ScanningConfig()
	assert.Equal(t, 5, sc.InvokeMaxAttempts)
	assert.Equal(t, 5*time.Minute, sc.Watchdog.QueuedRequeueAfter)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("ACME_TOKEN", "s3cr3t")
	t.Setenv("OVSX_SCAN_QUEUE_WORKERS", "8")

	cfg, err := NewFileLoader("testdata/orchestrator.yaml", WithEnvFile("")).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "scan-orchestrator-test", cfg.Service.Name)
	assert.Equal(t, 8, cfg.Queue.Workers, "environment overrides the file")
	assert.Equal(t, 90*time.Second, cfg.Scanning.NewScannerGracePeriod)

	require.Len(t, cfg.Checks, 2)
	assert.Equal(t, CheckBlocklist, cfg.Checks[0].Type)
	assert.True(t, cfg.Checks[0].Enforced)
	assert.Equal(t, "/etc/orchestrator/blocklist.yaml", cfg.Checks[0].Path)
	assert.Equal(t, scanning.CheckActionQuarantine, cfg.Checks[1].Action)

	require.Len(t, cfg.Scanners, 2)
	gl := cfg.Scanners[0]
	assert.Equal(t, ScannerKindGitleaks, gl.Kind)
	assert.True(t, gl.IsEnabled())
	assert.True(t, gl.Required)
	assert.Equal(t, 10*time.Minute, gl.Timeout)

	av := cfg.Scanners[1]
	assert.Equal(t, "ACME_AV", av.Type)
	assert.True(t, av.Async)
	assert.Equal(t, "s3cr3t", av.Auth.Token)
	assert.Equal(t, 30, av.Poll.IntervalSeconds)
	assert.Equal(t, "https://av.example.com/scans/{jobId}", av.Status.URL)
	assert.Equal(t, scanning.ExternalStatusCompleted, av.Response.StatusMap["done"])
	require.Len(t, av.Response.Conditions, 1)
	assert.Equal(t, "^(HIGH|CRITICAL)$", av.Response.Conditions[0].Value)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OVSX_SCAN_STORAGE_DRIVER=memory\nOVSX_SCAN_QUEUE_DRIVER=memory\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OVSX_SCAN_STORAGE_DRIVER")
		os.Unsetenv("OVSX_SCAN_QUEUE_DRIVER")
	})

	cfg, err := NewFileLoader("", WithEnvFile(envFile)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const memoryBase = `
storage: {driver: memory}
queue: {driver: memory}
registry: {driver: memory}
`

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "postgres without url",
			body:    "registry: {driver: memory}\n",
			wantErr: "database.url is required",
		},
		{
			name:    "kafka without brokers",
			body:    memoryBase + "events: {driver: kafka}\n",
			wantErr: "kafka brokers are required",
		},
		{
			name:    "unknown check",
			body:    memoryBase + "checks:\n  - type: MAGIC\n",
			wantErr: "invalid configuration",
		},
		{
			name:    "blocklist without path",
			body:    memoryBase + "checks:\n  - type: BLOCKLIST\n",
			wantErr: "invalid configuration",
		},
		{
			name:    "duplicate scanner",
			body:    memoryBase + "scanners:\n  - kind: gitleaks\n  - kind: gitleaks\n",
			wantErr: "duplicate scanner type GITLEAKS",
		},
		{
			name:    "remote scanner without start url",
			body:    memoryBase + "scanners:\n  - kind: remote\n    type: X\n",
			wantErr: "scanners[0] (X)",
		},
		{
			name:    "watchdog thresholds inverted",
			body:    memoryBase + "watchdog: {queued_requeue_after: 1h, queued_fail_after: 1m}\n",
			wantErr: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileLoader(writeConfig(t, tt.body), WithEnvFile("")).Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, memoryBase+"scanners:\n  - kind: gitleaks\n")

	var got []*Config
	w := NewWatcher(NewFileLoader(path, WithEnvFile("")), func(_ context.Context, cfg *Config) {
		got = append(got, cfg)
	}, logger.Noop())
	w.ctx = context.Background()

	w.Reload("test")
	require.Len(t, got, 1)
	assert.Len(t, got[0].Scanners, 1)

	// An invalid edit keeps the previous configuration.
	require.NoError(t, os.WriteFile(path, []byte(memoryBase+"scanners:\n  - kind: nope\n"), 0o600))
	w.Reload("test")
	assert.Len(t, got, 1)

	require.NoError(t, os.WriteFile(path, []byte(memoryBase), 0o600))
	w.Reload("test")
	require.Len(t, got, 2)
	assert.Empty(t, got[1].Scanners)
}

func TestWatcher_NoFile(t *testing.T) {
	w := NewWatcher(NewFileLoader(""), func(context.Context, *Config) {}, logger.Noop())
	assert.NoError(t, w.Run(context.Background()))
}
