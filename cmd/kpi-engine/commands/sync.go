package commands

import (
	"github.com/spf13/cobra"

	"github.com/3FramesLab/kpi-engine/db"
	"github.com/3FramesLab/kpi-engine/kpi/airflow"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
	"github.com/3FramesLab/kpi-engine/logger"
)

// SyncCmd pushes every active schedule to the orchestrator once
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push active schedules to the orchestrator once",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Logger

		conn, err := db.Open(Cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.Migrate(conn, log); err != nil {
			return err
		}

		reconciler := airflow.NewReconciler(schedule.NewStore(conn), orchestrator(log), Cfg.Airflow.DagPrefix, log)
		result, err := reconciler.SyncAll(cmd.Context())
		if err != nil {
			return err
		}

		log.Infow("sync finished",
			"total", result.Total,
			"synced", result.Synced,
			"failed", len(result.Failed))
		for _, failure := range result.Failed {
			log.Warnw("schedule failed to sync",
				"schedule_id", failure.ScheduleID,
				"error", failure.Error)
		}
		return nil
	},
}
