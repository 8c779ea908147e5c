package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

func newTestScan(tp TimeProvider) *Scan {
	return NewScan(&ExtensionVersion{
		ID: 42,
		Identity: ExtensionIdentity{
			Namespace:      "redhat",
			Name:           "java",
			Version:        "1.2.3",
			TargetPlatform: "universal",
		},
	}, "alice", tp)
}

func TestNewScan(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	scan := newTestScan(tp)

	assert.Equal(t, ScanStatusStarted, scan.Status())
	assert.Equal(t, int64(42), scan.ExtensionVersionID())
	assert.Equal(t, "alice", scan.Publisher())
	assert.Equal(t, "redhat.java@1.2.3", scan.Extension().String())
	assert.Equal(t, tp.current, scan.StartedAt())
	assert.True(t, scan.CompletedAt().IsZero())
}

func TestScan_TransitionTo(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	scan := newTestScan(tp)

	require.NoError(t, scan.TransitionTo(ScanStatusValidating, ""))
	require.NoError(t, scan.TransitionTo(ScanStatusScanning, ""))

	tp.Advance(time.Minute)
	require.NoError(t, scan.TransitionTo(ScanStatusQuarantined, "1 enforced threat"))

	assert.Equal(t, ScanStatusQuarantined, scan.Status())
	assert.Equal(t, "1 enforced threat", scan.ErrorMessage())
	assert.Equal(t, tp.current, scan.CompletedAt())
	assert.True(t, scan.IsTerminal())
}

func TestScan_TransitionAfterTerminalIsRejected(t *testing.T) {
	scan := newTestScan(&mockTimeProvider{current: time.Now()})
	require.NoError(t, scan.TransitionTo(ScanStatusValidating, ""))
	require.NoError(t, scan.TransitionTo(ScanStatusPassed, ""))

	err := scan.TransitionTo(ScanStatusErrored, "late failure")
	assert.ErrorIs(t, err, ErrScanTerminal)
	assert.Equal(t, ScanStatusPassed, scan.Status())
	assert.Empty(t, scan.ErrorMessage())
}

func TestScan_BackwardTransitionIsRejected(t *testing.T) {
	scan := newTestScan(&mockTimeProvider{current: time.Now()})
	require.NoError(t, scan.TransitionTo(ScanStatusValidating, ""))
	require.NoError(t, scan.TransitionTo(ScanStatusScanning, ""))

	err := scan.TransitionTo(ScanStatusValidating, "")
	assert.ErrorIs(t, err, ErrInvalidScanTransition)
	assert.Equal(t, ScanStatusScanning, scan.Status())
}

func TestEffectiveStatus(t *testing.T) {
	allowed := []AdminDecision{{Decision: AdminDecisionAllowed, DecidedBy: "admin"}}

	assert.Equal(t, ScanStatusPassed, EffectiveStatus(ScanStatusQuarantined, allowed))
	assert.Equal(t, ScanStatusQuarantined, EffectiveStatus(ScanStatusQuarantined, nil))
	assert.Equal(t, ScanStatusRejected, EffectiveStatus(ScanStatusRejected, allowed))
}
