package audit

import (
	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/execution"
)

// Manager wraps KPI mutations with audit and versioning side effects
type Manager struct {
	store *Store
	log   *zap.SugaredLogger
}

// NewManager creates an audit manager
func NewManager(store *Store, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: store, log: log}
}

// WithAudit runs the mutation and, only if it succeeds, appends one audit
// entry plus (for create and update) one version snapshot. The snapshot is
// captured by the caller before mutating, so an update's version records the
// state being replaced. A failed mutation writes nothing.
func (m *Manager) WithAudit(kpiID string, action Action, performedBy, snapshot string, changes map[string]any, mutation func() error) error {
	if err := mutation(); err != nil {
		return err
	}

	if action == ActionCreate || action == ActionUpdate {
		if _, err := m.store.RecordVersion(kpiID, snapshot, performedBy); err != nil {
			return errors.Wrap(err, "mutation applied but version snapshot failed")
		}
	}

	if err := m.store.Append(kpiID, action, performedBy, changes); err != nil {
		return errors.Wrap(err, "mutation applied but audit entry failed")
	}

	return nil
}

// ExecutionFinished records execute/trigger events for terminal executions.
// Audit failures are logged, never surfaced to the runner.
func (m *Manager) ExecutionFinished(exec *execution.Execution, manual bool) {
	action := ActionExecute
	if manual {
		action = ActionTrigger
	}

	changes := map[string]any{
		"execution_id": exec.ID,
		"schedule_id":  exec.ScheduleID,
		"status":       string(exec.Status),
		"retry_count":  exec.RetryCount,
	}
	if exec.ErrorMessage != "" {
		changes["error"] = exec.ErrorMessage
	}

	if err := m.store.Append(exec.KpiID, action, "scheduler", changes); err != nil {
		m.log.Warnw("failed to audit execution",
			"execution_id", exec.ID, "kpi_id", exec.KpiID, "error", err)
	}
}
