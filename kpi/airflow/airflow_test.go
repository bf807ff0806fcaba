package airflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FramesLab/kpi-engine/errors"
	ktesting "github.com/3FramesLab/kpi-engine/internal/testing"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

type fakeOrchestrator struct {
	mu       sync.Mutex
	pushed   map[string]TimingSpec
	pushes   int
	failDags map[string]bool
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		pushed:   make(map[string]TimingSpec),
		failDags: make(map[string]bool),
	}
}

func (f *fakeOrchestrator) PushSchedule(ctx context.Context, dagID string, spec TimingSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.failDags[dagID] {
		return errors.Newf("orchestrator rejected dag %s", dagID)
	}
	f.pushed[dagID] = spec
	return nil
}

func (f *fakeOrchestrator) PullSyncStatus(ctx context.Context, dagID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pushed[dagID]; ok {
		return "active", nil
	}
	return "", errors.NewNotFoundError("dag not found: %s", dagID)
}

func createSchedule(t *testing.T, store *schedule.Store, name string) *schedule.Schedule {
	t.Helper()
	sched := &schedule.Schedule{
		KpiID:             "kpi-revenue",
		Name:              name,
		ScheduleType:      schedule.TypeDaily,
		Timezone:          "UTC",
		IsActive:          true,
		StartDate:         time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		TimeoutSeconds:    300,
		RetryDelaySeconds: 60,
	}
	require.NoError(t, store.Create(sched))
	return sched
}

func TestDagIDDeterministic(t *testing.T) {
	s := &schedule.Schedule{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", Name: "Daily Revenue (EMEA)"}

	id1 := DagID("kpi", s)
	id2 := DagID("kpi", s)
	assert.Equal(t, id1, id2)
	assert.Equal(t, "kpi_daily_revenue__emea_0f8fad5b", id1)

	// Different schedules with the same name still get distinct IDs
	other := &schedule.Schedule{ID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", Name: "Daily Revenue (EMEA)"}
	assert.NotEqual(t, id1, DagID("kpi", other))
}

func TestSyncOne(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	sched := createSchedule(t, store, "Daily revenue")
	require.NoError(t, rec.SyncOne(context.Background(), sched))

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, DagID("kpi", sched), got.ExternalDagID)
	require.NotNil(t, got.LastSyncAt)

	spec, ok := orch.pushed[got.ExternalDagID]
	require.True(t, ok)
	assert.Equal(t, schedule.TypeDaily, spec.ScheduleType)
	assert.Equal(t, "UTC", spec.Timezone)
	assert.True(t, spec.IsActive)
}

func TestSyncOneFailureLeavesStateUntouched(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	sched := createSchedule(t, store, "Daily revenue")
	orch.failDags[DagID("kpi", sched)] = true

	err := rec.SyncOne(context.Background(), sched)
	require.Error(t, err)

	got, err := store.Get(sched.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExternalDagID)
	assert.Nil(t, got.LastSyncAt)
}

func TestSyncAllAggregatesFailures(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	good1 := createSchedule(t, store, "Revenue")
	bad := createSchedule(t, store, "Churn")
	good2 := createSchedule(t, store, "Signups")
	orch.failDags[DagID("kpi", bad)] = true

	result, err := rec.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Synced)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, bad.ID, result.Failed[0].ScheduleID)
	assert.Contains(t, result.Failed[0].Error, "rejected")

	for _, s := range []*schedule.Schedule{good1, good2} {
		got, err := store.Get(s.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, got.ExternalDagID)
	}
}

func TestSyncAllIdempotent(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	createSchedule(t, store, "Revenue")
	createSchedule(t, store, "Churn")

	first, err := rec.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Synced)

	second, err := rec.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Synced)

	// Same DAG set both times: pushes are upserts keyed by stable IDs
	assert.Len(t, orch.pushed, 2)
	assert.Equal(t, 4, orch.pushes)
}

func TestSyncAllSkipsInactive(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	active := createSchedule(t, store, "Revenue")
	inactive := createSchedule(t, store, "Churn")
	require.NoError(t, store.Deactivate(inactive.ID))

	result, err := rec.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Synced)

	_, ok := orch.pushed[DagID("kpi", active)]
	assert.True(t, ok)
}

func TestStatus(t *testing.T) {
	db := ktesting.CreateTestDB(t)
	store := schedule.NewStore(db)
	orch := newFakeOrchestrator()
	rec := NewReconciler(store, orch, "kpi", nil)

	synced := createSchedule(t, store, "Revenue")
	require.NoError(t, rec.SyncOne(context.Background(), synced))
	createSchedule(t, store, "Churn")

	statuses, err := rec.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byID := make(map[string]ScheduleSyncStatus)
	for _, s := range statuses {
		byID[s.ScheduleID] = s
	}

	assert.Equal(t, "active", byID[synced.ID].OrchestratorState)
	require.NotNil(t, byID[synced.ID].LastSyncAt)

	for id, s := range byID {
		if id == synced.ID {
			continue
		}
		assert.Empty(t, s.DagID)
		assert.Empty(t, s.OrchestratorState)
	}
}
