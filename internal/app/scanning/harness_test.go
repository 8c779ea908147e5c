package scanning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appqueue "github.com/eclipse/openvsx-scan-orchestrator/internal/app/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	queuemem "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/queue/memory"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage/scanning/memory"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

type mockClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

type fakeCatalog struct {
	mu          sync.Mutex
	versions    map[int64]*domain.ExtensionVersion
	activations int
	activateErr error
}

func newFakeCatalog(versions ...*domain.ExtensionVersion) *fakeCatalog {
	c := &fakeCatalog{versions: make(map[int64]*domain.ExtensionVersion)}
	for _, v := range versions {
		c.versions[v.ID] = v
	}
	return c
}

func (c *fakeCatalog) GetExtensionVersion(_ context.Context, id int64) (*domain.ExtensionVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[id]
	if !ok {
		return nil, domain.ErrExtensionVersionNotFound
	}
	cp := *v
	return &cp, nil
}

func (c *fakeCatalog) ActivateExtension(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activateErr != nil {
		return c.activateErr
	}
	v, ok := c.versions[id]
	if !ok {
		return domain.ErrExtensionVersionNotFound
	}
	v.Active = true
	c.activations++
	return nil
}

func (c *fakeCatalog) setActivateErr(err error) {
	c.mu.Lock()
	c.activateErr = err
	c.mu.Unlock()
}

func (c *fakeCatalog) activationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations
}

type fakePackages struct {
	released atomic.Int32
	err      error
}

func (p *fakePackages) GetExtensionFile(_ context.Context, id int64) (*domain.ExtensionFile, error) {
	if p.err != nil {
		return nil, p.err
	}
	return domain.NewExtensionFile("/tmp/ext.vsix", 1024, "abc123", func() error {
		p.released.Add(1)
		return nil
	}), nil
}

type fakeScanner struct {
	scannerType string
	async       bool
	required    bool
	enforces    bool
	timeout     time.Duration
	pollCfg     domain.PollConfig
	start       func(calls int) (domain.Invocation, error)
	calls       atomic.Int32
}

func (s *fakeScanner) Type() string                  { return s.scannerType }
func (s *fakeScanner) IsAsync() bool                 { return s.async }
func (s *fakeScanner) IsRequired() bool              { return s.required }
func (s *fakeScanner) EnforcesThreats() bool         { return s.enforces }
func (s *fakeScanner) Timeout() time.Duration        { return s.timeout }
func (s *fakeScanner) PollConfig() domain.PollConfig { return s.pollCfg }

func (s *fakeScanner) StartScan(context.Context, domain.ScanCommand) (domain.Invocation, error) {
	n := int(s.calls.Add(1))
	if s.start == nil {
		return domain.Completed(nil), nil
	}
	return s.start(n)
}

type fakeAsyncScanner struct {
	*fakeScanner
	poll  func(calls int) (domain.ExternalStatus, error)
	fetch func() (*domain.ScanResult, error)
	polls atomic.Int32
}

func (s *fakeAsyncScanner) PollStatus(context.Context, string) (domain.ExternalStatus, error) {
	n := int(s.polls.Add(1))
	return s.poll(n)
}

func (s *fakeAsyncScanner) FetchResults(context.Context, string) (*domain.ScanResult, error) {
	if s.fetch == nil {
		return &domain.ScanResult{}, nil
	}
	return s.fetch()
}

func syncScanner(scannerType string, required, enforces bool) *fakeScanner {
	return &fakeScanner{scannerType: scannerType, required: required, enforces: enforces}
}

func asyncScanner(scannerType string, poll func(int) (domain.ExternalStatus, error)) *fakeAsyncScanner {
	return &fakeAsyncScanner{
		fakeScanner: &fakeScanner{
			scannerType: scannerType,
			async:       true,
			required:    true,
			enforces:    true,
			timeout:     time.Hour,
			pollCfg:     domain.PollConfig{InitialDelaySeconds: 5, IntervalSeconds: 10, MaxAttempts: 3},
			start: func(int) (domain.Invocation, error) {
				return domain.Submitted("ext-job-1"), nil
			},
		},
		poll: poll,
	}
}

func threats(names ...string) func(int) (domain.Invocation, error) {
	return func(int) (domain.Invocation, error) {
		res := &domain.ScanResult{}
		for _, n := range names {
			res.Threats = append(res.Threats, domain.ThreatFinding{Name: n, Severity: "HIGH"})
		}
		return domain.Completed(res), nil
	}
}

type fakeCheck struct {
	checkType string
	enabled   bool
	enforced  bool
	required  bool
	action    domain.CheckAction
	outcome   domain.CheckOutcome
	err       error
}

func (c *fakeCheck) CheckType() string          { return c.checkType }
func (c *fakeCheck) Enabled() bool              { return c.enabled }
func (c *fakeCheck) Enforced() bool             { return c.enforced }
func (c *fakeCheck) Required() bool             { return c.required }
func (c *fakeCheck) Action() domain.CheckAction { return c.action }

func (c *fakeCheck) Execute(context.Context, domain.CheckInput) (domain.CheckOutcome, error) {
	return c.outcome, c.err
}

func passingCheck(checkType string) *fakeCheck {
	return &fakeCheck{checkType: checkType, enabled: true, enforced: true, outcome: domain.Passed()}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

const testVersionID int64 = 42

func testVersion() *domain.ExtensionVersion {
	return &domain.ExtensionVersion{
		ID:        testVersionID,
		Publisher: "redhat",
		Identity: domain.ExtensionIdentity{
			Namespace:      "redhat",
			Name:           "java",
			Version:        "1.2.3",
			TargetPlatform: "universal",
		},
	}
}

type harness struct {
	t *testing.T

	clock     *mockClock
	scans     *memory.ScanStore
	jobs      *memory.ScannerJobStore
	audit     *memory.AuditStore
	auditRepo domain.AuditRepository
	queue     *queuemem.Queue
	catalog   *fakeCatalog
	packages  *fakePackages
	publisher *recordingPublisher
	registry  *ScannerRegistry
	checks    *CheckRunner
	cfg       Config

	svc  *Service
	pool *appqueue.WorkerPool
}

func newHarness(t *testing.T, scanners ...domain.Scanner) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		clock:     newMockClock(),
		scans:     memory.NewScanStore(),
		jobs:      memory.NewScannerJobStore(),
		audit:     memory.NewAuditStore(),
		catalog:   newFakeCatalog(testVersion()),
		packages:  new(fakePackages),
		publisher: new(recordingPublisher),
		registry:  NewScannerRegistry(logger.Noop(), scanners...),
		cfg:       DefaultConfig(),
	}
	h.auditRepo = h.audit
	h.cfg.InvokeMaxAttempts = 3
	h.queue = queuemem.New(h.clock.Now)
	h.checks = NewCheckRunner(nil, h.audit, NoopMetrics(), h.clock, noop.NewTracerProvider().Tracer("test"), logger.Noop())
	h.rewire()
	return h
}

// rewire rebuilds the service and pool over the same stores, as a restarted
// process would.
func (h *harness) rewire() {
	tracer := noop.NewTracerProvider().Tracer("test")
	h.svc = NewService(Dependencies{
		Scans:     h.scans,
		Jobs:      h.jobs,
		Audit:     h.auditRepo,
		Catalog:   h.catalog,
		Packages:  h.packages,
		Queue:     h.queue,
		Publisher: h.publisher,
		Registry:  h.registry,
		Checks:    h.checks,
		Metrics:   NoopMetrics(),
		Clock:     h.clock,
		Tracer:    tracer,
		Logger:    logger.Noop(),
	}, h.cfg)

	poolCfg := appqueue.DefaultConfig()
	poolCfg.RetryBase = 0
	h.pool = appqueue.NewWorkerPool("test", h.queue, poolCfg, tracer, logger.Noop(), appqueue.WithClock(h.clock.Now))
	h.pool.Register(queue.TaskKindInvokeScanner, h.svc.Handlers.HandleInvoke)
	h.pool.Register(queue.TaskKindPollScanner, h.svc.Handlers.HandlePoll)
}

// restart drops every pending task and rebuilds the service.
func (h *harness) restart() {
	h.queue = queuemem.New(h.clock.Now)
	h.rewire()
}

func (h *harness) drain() int {
	h.t.Helper()
	n, err := h.pool.Drain(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) start() *domain.Scan {
	h.t.Helper()
	scan, err := h.svc.Orchestrator.StartScan(context.Background(), SubmitScanCommand{
		ExtensionVersionID: testVersionID,
		User:               domain.PublishingUser{LoginName: "alice"},
	})
	require.NoError(h.t, err)
	return scan
}

func (h *harness) scan(id int64) *domain.Scan {
	h.t.Helper()
	scan, err := h.scans.GetScan(context.Background(), id)
	require.NoError(h.t, err)
	return scan
}

func (h *harness) job(scanID int64, scannerType string) *domain.ScannerJob {
	h.t.Helper()
	job, err := h.jobs.GetJob(context.Background(), scanID, scannerType)
	require.NoError(h.t, err)
	return job
}

var (
	errScannerDown = errors.New("scanner unavailable")
	errStorageDown = errors.New("storage unavailable")
)

// flakyAudit fails the next n threat writes before delegating.
type flakyAudit struct {
	*memory.AuditStore
	failures atomic.Int32
}

func (a *flakyAudit) ReplaceThreats(ctx context.Context, scanID int64, scannerType string, threats []domain.Threat) error {
	if a.failures.Add(-1) >= 0 {
		return errStorageDown
	}
	return a.AuditStore.ReplaceThreats(ctx, scanID, scannerType, threats)
}

// failThreatWrites makes the next n threat writes fail.
func (h *harness) failThreatWrites(n int32) {
	flaky := &flakyAudit{AuditStore: h.audit}
	flaky.failures.Store(n)
	h.auditRepo = flaky
	h.rewire()
}
