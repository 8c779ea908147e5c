package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appscanning "github.com/eclipse/openvsx-scan-orchestrator/internal/app/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

type fakeScans struct {
	started  []appscanning.SubmitScanCommand
	startErr error
	details  map[int64]*appscanning.ScanDetails
	allowErr error
	allowed  []string
	scanners []domain.Scanner
}

func (f *fakeScans) StartScan(_ context.Context, cmd appscanning.SubmitScanCommand) (*domain.Scan, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cmd)
	return testScan(7, cmd.ExtensionVersionID, domain.ScanStatusScanning), nil
}

func (f *fakeScans) GetScanDetails(_ context.Context, scanID int64) (*appscanning.ScanDetails, error) {
	d, ok := f.details[scanID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrScanNotFound, scanID)
	}
	return d, nil
}

func (f *fakeScans) AdminAllowScan(ctx context.Context, scanID int64, admin string) (*appscanning.ScanDetails, error) {
	if f.allowErr != nil {
		return nil, f.allowErr
	}
	f.allowed = append(f.allowed, admin)
	return f.GetScanDetails(ctx, scanID)
}

func (f *fakeScans) ListScanners() []domain.Scanner { return f.scanners }

type stubScanner struct {
	scannerType string
	async       bool
}

func (s stubScanner) Type() string                  { return s.scannerType }
func (s stubScanner) IsAsync() bool                 { return s.async }
func (s stubScanner) IsRequired() bool              { return true }
func (s stubScanner) EnforcesThreats() bool         { return true }
func (s stubScanner) Timeout() time.Duration        { return time.Minute }
func (s stubScanner) PollConfig() domain.PollConfig { return domain.DefaultPollConfig() }
func (s stubScanner) StartScan(context.Context, domain.ScanCommand) (domain.Invocation, error) {
	return domain.Submitted("h"), nil
}

type fakeStats map[queue.TaskStatus]int

func (f fakeStats) Stats(context.Context) (map[queue.TaskStatus]int, error) { return f, nil }

func testScan(id, versionID int64, status domain.ScanStatus) *domain.Scan {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return domain.ReconstructScan(id, versionID,
		domain.ExtensionIdentity{Namespace: "redhat", Name: "java", Version: "1.2.3", TargetPlatform: "universal"},
		"redhat", status, "", domain.ReconstructTimeline(now, time.Time{}, now))
}

func newTestServer(t *testing.T, scans *fakeScans, ready func(context.Context) error) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{
		Build:       "test",
		ServiceName: "openvsx-scan-orchestrator",
		Scans:       scans,
		Queue:       fakeStats{queue.TaskStatusQueued: 2, queue.TaskStatusDead: 1},
		Ready:       ready,
		Log:         logger.Noop(),
		Tracer:      noop.NewTracerProvider().Tracer("test"),
	})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	h := newTestServer(t, &fakeScans{}, nil)

	rec := do(t, h, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)
}

func TestServer_Readiness(t *testing.T) {
	ready := true
	h := newTestServer(t, &fakeScans{}, func(context.Context) error {
		if !ready {
			return errors.New("database unreachable")
		}
		return nil
	})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/readiness", "").Code)

	ready = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/readiness", "").Code)
}

func TestServer_SubmitScan(t *testing.T) {
	scans := &fakeScans{}
	h := newTestServer(t, scans, nil)

	rec := do(t, h, http.MethodPost, "/v1/scans",
		`{"extension_version_id": 42, "user": {"login_name": "octocat", "provider": "github"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	view := decode[scanView](t, rec)
	assert.Equal(t, int64(7), view.ID)
	assert.Equal(t, int64(42), view.ExtensionVersionID)
	assert.Equal(t, "SCANNING", view.Status)
	assert.Equal(t, "java", view.Extension.Name)
	assert.Nil(t, view.CompletedAt)

	require.Len(t, scans.started, 1)
	assert.Equal(t, "octocat", scans.started[0].User.LoginName)
	assert.Equal(t, "github", scans.started[0].User.Provider)
}

func TestServer_SubmitScanErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
		field    string
	}{
		{name: "malformed body", body: `{`, want: http.StatusBadRequest},
		{name: "missing version", body: `{"user": {}}`, want: http.StatusBadRequest, field: "extension_version_id"},
		{name: "negative version", body: `{"extension_version_id": -1}`, want: http.StatusBadRequest, field: "extension_version_id"},
		{
			name:     "unknown version",
			body:     `{"extension_version_id": 9}`,
			startErr: fmt.Errorf("lookup: %w", domain.ErrExtensionVersionNotFound),
			want:     http.StatusNotFound,
		},
		{
			name:     "storage failure",
			body:     `{"extension_version_id": 9}`,
			startErr: errors.New("connection reset"),
			want:     http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeScans{startErr: tt.startErr}, nil)

			rec := do(t, h, http.MethodPost, "/v1/scans", tt.body)
			assert.Equal(t, tt.want, rec.Code)

			resp := decode[errorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			if tt.field != "" {
				assert.Contains(t, resp.Fields, tt.field)
			}
		})
	}
}

func TestServer_GetScan(t *testing.T) {
	job := domain.NewScannerJob(7, "GITLEAKS", 42, time.Now())
	scans := &fakeScans{details: map[int64]*appscanning.ScanDetails{
		7: {
			Scan:            testScan(7, 42, domain.ScanStatusScanning),
			EffectiveStatus: domain.ScanStatusScanning,
			Jobs:            []*domain.ScannerJob{job},
		},
	}}
	h := newTestServer(t, scans, nil)

	rec := do(t, h, http.MethodGet, "/v1/scans/7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	view := decode[scanDetailsView](t, rec)
	assert.Equal(t, int64(7), view.Scan.ID)
	require.Len(t, view.Jobs, 1)
	assert.Equal(t, "GITLEAKS", view.Jobs[0].ScannerType)
	assert.Equal(t, "QUEUED", view.Jobs[0].Status)
	assert.NotNil(t, view.Threats)
	assert.Empty(t, view.Threats)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/scans/8", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/scans/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/scans/0", "").Code)
}

func TestServer_AllowScan(t *testing.T) {
	scans := &fakeScans{details: map[int64]*appscanning.ScanDetails{
		7: {
			Scan:            testScan(7, 42, domain.ScanStatusQuarantined),
			EffectiveStatus: domain.ScanStatusPassed,
		},
	}}
	h := newTestServer(t, scans, nil)

	rec := do(t, h, http.MethodPost, "/v1/admin/scans/7/allow", `{"admin": "root"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"root"}, scans.allowed)
	assert.Equal(t, "PASSED", decode[scanDetailsView](t, rec).Scan.EffectiveStatus)

	rec = do(t, h, http.MethodPost, "/v1/admin/scans/7/allow", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Fields, "admin")

	scans.allowErr = fmt.Errorf("scan 7 is REJECTED: %w", domain.ErrAdminAllowNotPermitted)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/v1/admin/scans/7/allow", `{"admin": "root"}`).Code)
}

func TestServer_ListScannersAndQueueStats(t *testing.T) {
	scans := &fakeScans{scanners: []domain.Scanner{
		stubScanner{scannerType: "GITLEAKS"},
		stubScanner{scannerType: "ACME_AV", async: true},
	}}
	h := newTestServer(t, scans, nil)

	rec := do(t, h, http.MethodGet, "/v1/scanners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Scanners []scannerView `json:"scanners"`
	}](t, rec)
	require.Len(t, listed.Scanners, 2)
	assert.False(t, listed.Scanners[0].Async)
	assert.Zero(t, listed.Scanners[0].Poll.IntervalSeconds)
	assert.True(t, listed.Scanners[1].Async)
	assert.Equal(t, domain.DefaultPollConfig(), listed.Scanners[1].Poll)

	rec = do(t, h, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		Tasks map[string]int `json:"tasks"`
	}](t, rec)
	assert.Equal(t, 2, stats.Tasks[string(queue.TaskStatusQueued)])
	assert.Equal(t, 1, stats.Tasks[string(queue.TaskStatusDead)])
}
