// Package asyncjob tracks fire-and-forget KPI runs submitted over the API.
// Jobs are ephemeral: they do not survive a restart, and a restart is
// indistinguishable from a job that never existed.
package asyncjob

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/runner"
)

// JobStatus is the lifecycle of an async job
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is one submitted KPI run
type Job struct {
	ID        string              `json:"id"`
	KpiID     string              `json:"kpi_id"`
	Status    JobStatus           `json:"status"`
	Result    *runner.QueryResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// JobStore holds job state. The default is in-memory; a distributed
// deployment can back it with a shared store without touching the manager.
type JobStore interface {
	Put(job *Job)
	Get(id string) (*Job, bool)
}

// MemoryStore is the default JobStore
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Put stores a copy of the job
func (s *MemoryStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
}

// Get returns a copy of the job, if present
func (s *MemoryStore) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

// Executor runs a KPI once and returns its result
type Executor interface {
	RunKPI(ctx context.Context, kpiID string, params map[string]any) (*runner.QueryResult, error)
}

// Manager submits and tracks async KPI runs
type Manager struct {
	store    JobStore
	executor Executor
	log      *zap.SugaredLogger
}

// NewManager creates a manager. A nil store defaults to in-memory.
func NewManager(store JobStore, executor Executor, log *zap.SugaredLogger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: store, executor: executor, log: log}
}

// Submit registers a pending job and starts the run in the background,
// returning the job ID immediately.
func (m *Manager) Submit(ctx context.Context, kpiID string, params map[string]any) string {
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		KpiID:     kpiID,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.store.Put(job)

	go m.execute(context.WithoutCancel(ctx), job, params)

	m.log.Infow("async kpi job submitted", "job_id", job.ID, "kpi_id", kpiID)
	return job.ID
}

func (m *Manager) execute(ctx context.Context, job *Job, params map[string]any) {
	job.Status = JobRunning
	job.UpdatedAt = time.Now()
	m.store.Put(job)

	result, err := m.executor.RunKPI(ctx, job.KpiID, params)
	job.UpdatedAt = time.Now()
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		m.log.Warnw("async kpi job failed",
			"job_id", job.ID, "kpi_id", job.KpiID, "error", err)
	} else {
		job.Status = JobSuccess
		job.Result = result
	}
	m.store.Put(job)
}

// GetStatus returns the job or ErrNotFound
func (m *Manager) GetStatus(jobID string) (*Job, error) {
	job, ok := m.store.Get(jobID)
	if !ok {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}
	return job, nil
}
