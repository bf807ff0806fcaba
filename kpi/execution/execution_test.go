package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	scheduled := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	exec := New("sched-1", "kpi-revenue", scheduled, 3)

	require.NotEmpty(t, exec.ID)
	assert.Equal(t, "sched-1", exec.ScheduleID)
	assert.Equal(t, "kpi-revenue", exec.KpiID)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Equal(t, scheduled, exec.ScheduledTime)
	assert.Equal(t, 0, exec.RetryCount)
	assert.Equal(t, 3, exec.MaxRetries)
	assert.Nil(t, exec.ActualStartTime)
	assert.Nil(t, exec.ActualEndTime)
}

func TestLifecycleSuccess(t *testing.T) {
	exec := New("sched-1", "kpi-revenue", time.Now(), 0)

	exec.Start()
	assert.Equal(t, StatusRunning, exec.Status)
	require.NotNil(t, exec.ActualStartTime)

	exec.Succeed("results/abc")
	assert.Equal(t, StatusSuccess, exec.Status)
	require.NotNil(t, exec.ActualEndTime)
	require.NotNil(t, exec.ResultRef)
	assert.Equal(t, "results/abc", *exec.ResultRef)
}

func TestLifecycleRetryThenFail(t *testing.T) {
	exec := New("sched-1", "kpi-revenue", time.Now(), 2)
	exec.Start()

	exec.MarkRetrying()
	assert.Equal(t, StatusRetrying, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)

	exec.Resume()
	assert.Equal(t, StatusRunning, exec.Status)

	exec.MarkRetrying()
	assert.Equal(t, 2, exec.RetryCount)
	exec.Resume()

	exec.Fail("query engine unavailable")
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "query engine unavailable", exec.ErrorMessage)
	require.NotNil(t, exec.ActualEndTime)
}

func TestCancel(t *testing.T) {
	exec := New("sched-1", "kpi-revenue", time.Now(), 0)
	exec.Start()

	exec.Cancel("cancelled by user")
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, "cancelled by user", exec.ErrorMessage)
	require.NotNil(t, exec.ActualEndTime)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestStatusInFlight(t *testing.T) {
	assert.True(t, StatusPending.InFlight())
	assert.True(t, StatusRunning.InFlight())
	assert.True(t, StatusRetrying.InFlight())
	assert.False(t, StatusSuccess.InFlight())
	assert.False(t, StatusFailed.InFlight())
	assert.False(t, StatusCancelled.InFlight())
}

func TestDurationMs(t *testing.T) {
	exec := New("sched-1", "kpi-revenue", time.Now(), 0)
	assert.Nil(t, exec.DurationMs())

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(2500 * time.Millisecond)
	exec.ActualStartTime = &start
	exec.ActualEndTime = &end

	d := exec.DurationMs()
	require.NotNil(t, d)
	assert.Equal(t, int64(2500), *d)
}
