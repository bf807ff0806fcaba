package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/errors"
	"github.com/3FramesLab/kpi-engine/kpi/airflow"
	"github.com/3FramesLab/kpi-engine/kpi/runner"
)

// queryEngine is the engine the serve command wires into the runner.
// Deployments replace it via SetQueryEngine before Execute; the default
// rejects every query so misconfiguration surfaces as execution failures
// rather than silent no-ops.
var queryEngine runner.QueryEngine = unconfiguredEngine{}

// SetQueryEngine installs the KPI query engine used by serve
func SetQueryEngine(engine runner.QueryEngine) {
	queryEngine = engine
}

type unconfiguredEngine struct{}

func (unconfiguredEngine) ExecuteKPIQuery(ctx context.Context, kpiID string, params map[string]any) (*runner.QueryResult, error) {
	return nil, errors.Newf("no query engine configured for kpi %s", kpiID)
}

// orchestrator returns the configured orchestrator transport. Only the
// log-backed one ships here; real transports are installed the same way as
// the query engine.
func orchestrator(log *zap.SugaredLogger) airflow.Orchestrator {
	if customOrchestrator != nil {
		return customOrchestrator
	}
	return airflow.NewLogOrchestrator(log)
}

var customOrchestrator airflow.Orchestrator

// SetOrchestrator installs the orchestrator transport used by serve and sync
func SetOrchestrator(orch airflow.Orchestrator) {
	customOrchestrator = orch
}
