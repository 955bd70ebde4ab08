package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/service/breaker"
)

func newTable(t *testing.T, cfg breaker.Config) (*breaker.Table, *time.Time) {
	t.Helper()
	tbl := breaker.NewTable(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.SetClock(func() time.Time { return now })
	return tbl, &now
}

func TestTable_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t, breaker.Config{FailureThreshold: 3, Cooldown: 30 * time.Second})

	for i := 0; i < 2; i++ {
		require.NoError(t, tbl.Allow("p1"))
		tbl.RecordFailure("p1", true)
		assert.Equal(t, breaker.StateClosed, tbl.State("p1"))
	}
	require.NoError(t, tbl.Allow("p1"))
	tbl.RecordFailure("p1", true)
	assert.Equal(t, breaker.StateOpen, tbl.State("p1"))

	err := tbl.Allow("p1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCircuitOpen, domain.CodeOf(err))
}

func TestTable_FatalFailuresDoNotTrip(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t, breaker.Config{FailureThreshold: 2})
	for i := 0; i < 10; i++ {
		tbl.RecordFailure("p1", false)
	}
	assert.Equal(t, breaker.StateClosed, tbl.State("p1"))
}

func TestTable_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t, breaker.Config{FailureThreshold: 3})
	tbl.RecordFailure("p1", true)
	tbl.RecordFailure("p1", true)
	tbl.RecordSuccess("p1")
	tbl.RecordFailure("p1", true)
	tbl.RecordFailure("p1", true)
	assert.Equal(t, breaker.StateClosed, tbl.State("p1"))
}

func TestTable_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()
	tbl, now := newTable(t, breaker.Config{FailureThreshold: 1, Cooldown: 30 * time.Second, ProbeLimit: 1})

	tbl.RecordFailure("p1", true)
	require.Equal(t, breaker.StateOpen, tbl.State("p1"))
	require.Error(t, tbl.Allow("p1"))

	*now = now.Add(31 * time.Second)
	require.NoError(t, tbl.Allow("p1"))
	assert.Equal(t, breaker.StateHalfOpen, tbl.State("p1"))

	// The single probe slot is taken; concurrent callers are rejected.
	err := tbl.Allow("p1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeCircuitOpen, domain.CodeOf(err))
}

func TestTable_HalfOpenProbeSuccessCloses(t *testing.T) {
	t.Parallel()
	tbl, now := newTable(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Second, SuccessThreshold: 1})
	tbl.RecordFailure("p1", true)
	*now = now.Add(2 * time.Second)
	require.NoError(t, tbl.Allow("p1"))
	tbl.RecordSuccess("p1")
	assert.Equal(t, breaker.StateClosed, tbl.State("p1"))
}

func TestTable_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()
	tbl, now := newTable(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Second})
	tbl.RecordFailure("p1", true)
	*now = now.Add(2 * time.Second)
	require.NoError(t, tbl.Allow("p1"))
	tbl.RecordFailure("p1", true)
	assert.Equal(t, breaker.StateOpen, tbl.State("p1"))

	// Cooldown restarts from the reopen.
	require.Error(t, tbl.Allow("p1"))
	*now = now.Add(2 * time.Second)
	require.NoError(t, tbl.Allow("p1"))
}

func TestTable_SuccessThresholdRequiresMultipleProbes(t *testing.T) {
	t.Parallel()
	tbl, now := newTable(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Second, ProbeLimit: 2, SuccessThreshold: 2})
	tbl.RecordFailure("p1", true)
	*now = now.Add(2 * time.Second)

	require.NoError(t, tbl.Allow("p1"))
	tbl.RecordSuccess("p1")
	assert.Equal(t, breaker.StateHalfOpen, tbl.State("p1"))

	require.NoError(t, tbl.Allow("p1"))
	tbl.RecordSuccess("p1")
	assert.Equal(t, breaker.StateClosed, tbl.State("p1"))
}

func TestTable_WouldAllowDoesNotConsumeProbe(t *testing.T) {
	t.Parallel()
	tbl, now := newTable(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Second, ProbeLimit: 1})
	tbl.RecordFailure("p1", true)
	assert.False(t, tbl.WouldAllow("p1"))

	*now = now.Add(2 * time.Second)
	assert.True(t, tbl.WouldAllow("p1"))
	assert.True(t, tbl.WouldAllow("p1"))
	// Still OPEN: WouldAllow never transitions.
	assert.Equal(t, breaker.StateOpen, tbl.State("p1"))
}

func TestTable_ForceOpenAndSnapshot(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t, breaker.Config{})
	tbl.RecordSuccess("p1")
	tbl.ForceOpen("p1")
	require.Error(t, tbl.Allow("p1"))

	snap := tbl.Snapshot()
	require.Contains(t, snap, "p1")
	assert.Equal(t, breaker.StateOpen, snap["p1"].State)
	assert.Equal(t, int64(1), snap["p1"].TotalSuccesses)
}

func TestTable_CircuitsAreIndependent(t *testing.T) {
	t.Parallel()
	tbl, _ := newTable(t, breaker.Config{FailureThreshold: 1})
	tbl.RecordFailure("p1", true)
	assert.Equal(t, breaker.StateOpen, tbl.State("p1"))
	assert.Equal(t, breaker.StateClosed, tbl.State("p2"))
	assert.NoError(t, tbl.Allow("p2"))
}
