package execution

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FramesLab/kpi-engine/errors"
	ktesting "github.com/3FramesLab/kpi-engine/internal/testing"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

func createTestSchedule(t *testing.T, db *sql.DB, id string) *schedule.Schedule {
	t.Helper()

	store := schedule.NewStore(db)
	sched := &schedule.Schedule{
		ID:                id,
		KpiID:             "kpi-revenue",
		Name:              "Daily revenue",
		ScheduleType:      schedule.TypeDaily,
		Timezone:          "UTC",
		IsActive:          true,
		StartDate:         time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		RetryCount:        2,
		RetryDelaySeconds: 60,
		TimeoutSeconds:    300,
	}
	require.NoError(t, store.Create(sched))
	return sched
}

func TestClaimAndGet(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	scheduled := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	exec := New("sched-1", "kpi-revenue", scheduled, 2)
	require.NoError(t, store.Claim(exec))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "sched-1", got.ScheduleID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, scheduled, got.ScheduledTime)
	assert.Equal(t, 2, got.MaxRetries)
}

func TestClaimConflict(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	first := New("sched-1", "kpi-revenue", time.Now(), 0)
	require.NoError(t, store.Claim(first))

	second := New("sched-1", "kpi-revenue", time.Now(), 0)
	err := store.Claim(second)
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyRunningError(err))

	// No row was created for the losing claim
	_, err = store.Get(second.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimAfterTerminal(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	first := New("sched-1", "kpi-revenue", time.Now(), 0)
	require.NoError(t, store.Claim(first))

	first.Start()
	first.Fail("boom")
	require.NoError(t, store.Update(first))

	// The slot is free again once the previous execution is terminal
	second := New("sched-1", "kpi-revenue", time.Now(), 0)
	require.NoError(t, store.Claim(second))
}

func TestUpdateLifecycle(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	exec := New("sched-1", "kpi-revenue", time.Now(), 1)
	require.NoError(t, store.Claim(exec))

	exec.Start()
	require.NoError(t, store.Update(exec))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.ActualStartTime)

	exec.MarkRetrying()
	require.NoError(t, store.Update(exec))

	// The retrying state is visible between attempts
	got, err = store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	exec.Resume()
	exec.FirstRowPreview = `{"region":"EMEA","total":1200}`
	exec.ResultColumns = []string{"region", "total"}
	exec.Succeed("exec://" + exec.ID)
	require.NoError(t, store.Update(exec))

	got, err = store.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "exec://"+exec.ID, *got.ResultRef)
	assert.Equal(t, []string{"region", "total"}, got.ResultColumns)
	assert.Equal(t, `{"region":"EMEA","total":1200}`, got.FirstRowPreview)
	require.NotNil(t, got.ActualEndTime)
}

func TestUpdateNotFound(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)

	exec := New("sched-1", "kpi-revenue", time.Now(), 0)
	err := store.Update(exec)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetActive(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	active, err := store.GetActive("sched-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	exec := New("sched-1", "kpi-revenue", time.Now(), 0)
	require.NoError(t, store.Claim(exec))

	active, err = store.GetActive("sched-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, exec.ID, active.ID)

	exec.Start()
	exec.Succeed("done")
	require.NoError(t, store.Update(exec))

	active, err = store.GetActive("sched-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListBySchedule(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	for i := 0; i < 5; i++ {
		exec := New("sched-1", "kpi-revenue", time.Now(), 0)
		exec.CreatedAt = time.Date(2026, 3, 1, 8, i, 0, 0, time.UTC)
		exec.UpdatedAt = exec.CreatedAt
		require.NoError(t, store.Claim(exec))

		exec.Start()
		if i%2 == 0 {
			exec.Succeed(fmt.Sprintf("result-%d", i))
		} else {
			exec.Fail("boom")
		}
		require.NoError(t, store.Update(exec))
	}

	all, total, err := store.ListBySchedule("sched-1", 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 5)

	// Newest first
	assert.True(t, all[0].CreatedAt.After(all[4].CreatedAt))

	page, total, err := store.ListBySchedule("sched-1", 2, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	failed, total, err := store.ListBySchedule("sched-1", 10, 0, string(StatusFailed))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, failed, 2)
	for _, e := range failed {
		assert.Equal(t, StatusFailed, e.Status)
	}
}

func TestCountByStatusSince(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	for i := 0; i < 3; i++ {
		exec := New("sched-1", "kpi-revenue", time.Now(), 0)
		require.NoError(t, store.Claim(exec))
		exec.Start()
		if i == 0 {
			exec.Fail("boom")
		} else {
			exec.Succeed("ok")
		}
		require.NoError(t, store.Update(exec))
	}

	counts, err := store.CountByStatusSince(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusSuccess])
	assert.Equal(t, 1, counts[StatusFailed])

	counts, err = store.CountByStatusSince(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestGetStatistics(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	durations := []time.Duration{1 * time.Second, 3 * time.Second}

	for i, d := range durations {
		exec := New("sched-1", "kpi-revenue", base, 0)
		require.NoError(t, store.Claim(exec))

		start := base.Add(time.Duration(i) * time.Minute)
		end := start.Add(d)
		exec.ActualStartTime = &start
		exec.ActualEndTime = &end
		exec.Status = StatusSuccess
		require.NoError(t, store.Update(exec))
	}

	exec := New("sched-1", "kpi-revenue", base, 0)
	require.NoError(t, store.Claim(exec))
	exec.Start()
	exec.Fail("boom")
	require.NoError(t, store.Update(exec))

	stats, err := store.GetStatistics("sched-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	// Average of the two explicit durations plus the near-zero failed run
	assert.Greater(t, stats.AvgDurationMs, 1000.0)
}

func TestCleanupOlderThan(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := NewStore(db)
	createTestSchedule(t, db, "sched-1")

	old := New("sched-1", "kpi-revenue", time.Now(), 0)
	old.CreatedAt = time.Now().AddDate(0, 0, -60)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, store.Claim(old))
	old.Start()
	old.Succeed("ok")
	require.NoError(t, store.Update(old))

	recent := New("sched-1", "kpi-revenue", time.Now(), 0)
	require.NoError(t, store.Claim(recent))
	recent.Start()
	recent.Succeed("ok")
	require.NoError(t, store.Update(recent))

	deleted, err := store.CleanupOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.Get(recent.ID)
	assert.NoError(t, err)
}
