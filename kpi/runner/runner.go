// Package runner orchestrates KPI executions: it claims the per-schedule
// execution slot, drives the retry policy around the query engine, and
// persists every observable state transition.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/execution"
	"github.com/3FramesLab/kpi-engine/kpi/policy"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
)

// QueryResult is the outcome of one KPI query
type QueryResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RecordCount     int              `json:"record_count"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
}

// QueryEngine executes KPI queries. The engine owns query translation and the
// underlying data sources; the runner only cares about rows and errors.
type QueryEngine interface {
	ExecuteKPIQuery(ctx context.Context, kpiID string, params map[string]any) (*QueryResult, error)
}

// ExecutionObserver is notified after an execution reaches a terminal state.
// Observers must not block; failures inside an observer never affect the
// execution outcome.
type ExecutionObserver interface {
	ExecutionFinished(exec *execution.Execution, manual bool)
}

// Runner coordinates schedule triggers, manual runs and batch runs
type Runner struct {
	schedules  *schedule.Store
	executions *execution.Store
	results    *execution.ResultStore
	engine     QueryEngine
	defaults   policy.Policy
	observers  []ExecutionObserver
	log        *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a runner. defaults bounds direct (unscheduled) runs; scheduled
// runs take their policy from the schedule row.
func New(schedules *schedule.Store, executions *execution.Store, results *execution.ResultStore, engine QueryEngine, defaults policy.Policy, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{
		schedules:  schedules,
		executions: executions,
		results:    results,
		engine:     engine,
		defaults:   defaults,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// AddObserver registers an observer for terminal executions
func (r *Runner) AddObserver(obs ExecutionObserver) {
	r.observers = append(r.observers, obs)
}

// Trigger runs one execution for the schedule and blocks until it reaches a
// terminal state. The claim is atomic: if the schedule already has an
// in-flight execution, ErrAlreadyRunning is returned and nothing is written.
func (r *Runner) Trigger(ctx context.Context, scheduleID string, manual bool) (*execution.Execution, error) {
	exec, sched, err := r.claim(scheduleID, manual)
	if err != nil {
		return nil, err
	}
	r.run(ctx, exec, sched, manual)
	return exec, nil
}

// TriggerAsync claims the execution slot synchronously, so not-found and
// already-running surface to the caller, then finishes the run in the
// background. The returned execution is the freshly claimed pending record.
func (r *Runner) TriggerAsync(ctx context.Context, scheduleID string, manual bool) (*execution.Execution, error) {
	exec, sched, err := r.claim(scheduleID, manual)
	if err != nil {
		return nil, err
	}

	snapshot := *exec
	go r.run(context.WithoutCancel(ctx), exec, sched, manual)
	return &snapshot, nil
}

func (r *Runner) claim(scheduleID string, manual bool) (*execution.Execution, *schedule.Schedule, error) {
	sched, err := r.schedules.Get(scheduleID)
	if err != nil {
		return nil, nil, err
	}
	if !sched.IsActive {
		return nil, nil, errors.NewValidationError("schedule %s is not active", scheduleID)
	}

	now := time.Now()
	scheduledTime := now
	if !manual && sched.NextRunAt != nil {
		scheduledTime = *sched.NextRunAt
	}

	exec := execution.New(sched.ID, sched.KpiID, scheduledTime, sched.RetryCount)
	if err := r.executions.Claim(exec); err != nil {
		return nil, nil, err
	}

	// Advance the slot as soon as the claim holds so a long run cannot make
	// the ticker fire the same occurrence twice. Manual triggers leave the
	// schedule's clock alone.
	if !manual {
		next, err := schedule.NextFireTime(sched, now)
		if err != nil {
			r.log.Warnw("failed to compute next run",
				"schedule_id", sched.ID, "error", err)
		} else if err := r.schedules.UpdateAfterTrigger(sched.ID, scheduledTime, next); err != nil {
			r.log.Warnw("failed to advance next run",
				"schedule_id", sched.ID, "error", err)
		}
	}

	return exec, sched, nil
}

// run drives the claimed execution to a terminal state
func (r *Runner) run(ctx context.Context, exec *execution.Execution, sched *schedule.Schedule, manual bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registerCancel(exec.ID, cancel)
	defer r.unregisterCancel(exec.ID)

	exec.Start()
	if err := r.executions.Update(exec); err != nil {
		r.log.Errorw("failed to mark execution running",
			"execution_id", exec.ID, "error", err)
	}

	pol := policy.Policy{
		MaxRetries:    sched.RetryCount,
		RetryDelay:    time.Duration(sched.RetryDelaySeconds) * time.Second,
		BackoffFactor: r.defaults.BackoffFactor,
		Timeout:       time.Duration(sched.TimeoutSeconds) * time.Second,
	}

	var result *QueryResult
	outcome := pol.Run(runCtx, func(attemptCtx context.Context) error {
		if exec.Status == execution.StatusRetrying {
			exec.Resume()
			if err := r.executions.Update(exec); err != nil {
				r.log.Errorw("failed to mark execution running",
					"execution_id", exec.ID, "error", err)
			}
		}
		res, err := r.engine.ExecuteKPIQuery(attemptCtx, exec.KpiID, nil)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error) {
		exec.MarkRetrying()
		if uerr := r.executions.Update(exec); uerr != nil {
			r.log.Errorw("failed to persist retrying status",
				"execution_id", exec.ID, "error", uerr)
		}
		r.log.Warnw("kpi execution retrying",
			"execution_id", exec.ID,
			"kpi_id", exec.KpiID,
			"attempt", attempt+1,
			"error", err)
	})

	switch {
	case !outcome.Failed():
		r.finishSuccess(exec, result)
	case outcome.Kind == policy.FailureCancelled:
		exec.Cancel(outcome.Err.Error())
	default:
		// Timeout and execution errors land here, already classified and
		// wrapped by the policy.
		exec.Fail(outcome.Err.Error())
	}

	if err := r.executions.Update(exec); err != nil {
		r.log.Errorw("failed to persist execution outcome",
			"execution_id", exec.ID, "error", err)
	}

	r.log.Infow("kpi execution finished",
		"execution_id", exec.ID,
		"kpi_id", exec.KpiID,
		"schedule_id", exec.ScheduleID,
		"status", exec.Status,
		"attempts", outcome.Attempts,
		"manual", manual)

	for _, obs := range r.observers {
		obs.ExecutionFinished(exec, manual)
	}
}

// finishSuccess stores the result rows and decorates the execution with the
// result reference, column order and first-row preview.
func (r *Runner) finishSuccess(exec *execution.Execution, result *QueryResult) {
	if err := r.results.StoreRows(exec.ID, result.Rows); err != nil {
		exec.Fail(errors.Wrap(err, "failed to store result rows").Error())
		return
	}

	exec.ResultColumns = result.Columns
	if len(result.Rows) > 0 {
		if preview, err := json.Marshal(result.Rows[0]); err == nil {
			exec.FirstRowPreview = string(preview)
		}
	}
	exec.Succeed(fmt.Sprintf("executions/%s/results", exec.ID))
}

// Cancel requests cooperative cancellation of an in-flight execution owned by
// this process. Terminal executions cannot be cancelled.
func (r *Runner) Cancel(executionID string) error {
	exec, err := r.executions.Get(executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return errors.NewValidationError("execution %s already finished with status %s", executionID, exec.Status)
	}

	r.mu.Lock()
	cancel, ok := r.cancels[executionID]
	r.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("execution %s is not running in this process", executionID)
	}

	cancel()
	return nil
}

func (r *Runner) registerCancel(executionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[executionID] = cancel
}

func (r *Runner) unregisterCancel(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, executionID)
}

// RunKPI executes a KPI once, outside any schedule, under the default policy.
// Nothing is persisted; the caller owns the result.
func (r *Runner) RunKPI(ctx context.Context, kpiID string, params map[string]any) (*QueryResult, error) {
	var result *QueryResult
	outcome := r.defaults.Run(ctx, func(attemptCtx context.Context) error {
		res, err := r.engine.ExecuteKPIQuery(attemptCtx, kpiID, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, nil)

	if outcome.Failed() {
		return nil, outcome.Err
	}
	return result, nil
}

// BatchFailure records one failed item of a batch run
type BatchFailure struct {
	KpiID string `json:"kpi_id"`
	Error string `json:"error"`
}

// BatchResult summarizes a batch run
type BatchResult struct {
	Total      int                     `json:"total"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Results    map[string]*QueryResult `json:"results,omitempty"`
	Failures   []BatchFailure          `json:"failures,omitempty"`
}

// RunBatch executes each KPI independently; one failure never aborts the rest
func (r *Runner) RunBatch(ctx context.Context, kpiIDs []string, params map[string]any) *BatchResult {
	batch := &BatchResult{
		Total:   len(kpiIDs),
		Results: make(map[string]*QueryResult),
	}

	for _, kpiID := range kpiIDs {
		result, err := r.RunKPI(ctx, kpiID, params)
		if err != nil {
			batch.Failed++
			batch.Failures = append(batch.Failures, BatchFailure{KpiID: kpiID, Error: err.Error()})
			continue
		}
		batch.Successful++
		batch.Results[kpiID] = result
	}

	return batch
}
