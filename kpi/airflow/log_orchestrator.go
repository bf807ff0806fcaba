package airflow

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogOrchestrator is the default Orchestrator: it accepts every push and
// records it in the structured log. It stands in wherever no real
// orchestrator transport is configured, keeping the sync path exercisable
// end to end.
type LogOrchestrator struct {
	Log *zap.SugaredLogger

	mu     sync.Mutex
	pushed map[string]TimingSpec
}

// NewLogOrchestrator creates a log-only orchestrator
func NewLogOrchestrator(log *zap.SugaredLogger) *LogOrchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogOrchestrator{
		Log:    log,
		pushed: make(map[string]TimingSpec),
	}
}

// PushSchedule records the timing spec and logs the upsert.
func (o *LogOrchestrator) PushSchedule(ctx context.Context, dagID string, spec TimingSpec) error {
	o.mu.Lock()
	o.pushed[dagID] = spec
	o.mu.Unlock()

	o.Log.Infow("orchestrator push",
		"dag_id", dagID,
		"schedule_type", spec.ScheduleType,
		"timezone", spec.Timezone,
		"is_active", spec.IsActive)
	return nil
}

// PullSyncStatus reports "active" for any DAG pushed during this process
func (o *LogOrchestrator) PullSyncStatus(ctx context.Context, dagID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pushed[dagID]; ok {
		return "active", nil
	}
	return "unknown", nil
}
