package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3FramesLab/kpi-engine/config"
	"github.com/3FramesLab/kpi-engine/db"
	"github.com/3FramesLab/kpi-engine/kpi/airflow"
	"github.com/3FramesLab/kpi-engine/kpi/asyncjob"
	"github.com/3FramesLab/kpi-engine/kpi/audit"
	"github.com/3FramesLab/kpi-engine/kpi/execution"
	"github.com/3FramesLab/kpi-engine/kpi/policy"
	"github.com/3FramesLab/kpi-engine/kpi/runner"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
	"github.com/3FramesLab/kpi-engine/logger"
	"github.com/3FramesLab/kpi-engine/notify"
	"github.com/3FramesLab/kpi-engine/server"
)

// Cfg is the loaded configuration, populated by the root command
var Cfg *config.Config

// ServeCmd starts the scheduler ticker and the HTTP API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and HTTP API",
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

		schedules := schedule.NewStore(conn)
		executions := execution.NewStore(conn)
		results := execution.NewResultStore(conn)
		auditStore := audit.NewStore(conn)
		auditMgr := audit.NewManager(auditStore, log)
		prefs := notify.NewStore(conn)

		defaults := policy.Policy{
			MaxRetries:    Cfg.Scheduler.DefaultRetryCount,
			RetryDelay:    time.Duration(Cfg.Scheduler.DefaultRetryDelaySeconds) * time.Second,
			BackoffFactor: Cfg.Scheduler.BackoffFactor,
			Timeout:       time.Duration(Cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
		}
		run := runner.New(schedules, executions, results, queryEngine, defaults, log)
		run.AddObserver(auditMgr)
		if Cfg.Notify.Enabled {
			run.AddObserver(notify.NewDispatcher(prefs, nil, log))
		}

		var reconciler *airflow.Reconciler
		if Cfg.Airflow.Enabled {
			reconciler = airflow.NewReconciler(schedules, orchestrator(log), Cfg.Airflow.DagPrefix, log)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ticker := runner.NewTicker(schedules, run,
			time.Duration(Cfg.Scheduler.TickerIntervalSeconds)*time.Second, log)
		ticker.Start(ctx)

		if reconciler != nil && Cfg.Airflow.IntervalSeconds > 0 {
			go syncLoop(ctx, reconciler, time.Duration(Cfg.Airflow.IntervalSeconds)*time.Second)
		}
		if Cfg.Scheduler.RetentionDays > 0 {
			go cleanupLoop(ctx, executions, Cfg.Scheduler.RetentionDays)
		}

		srv := server.New(Cfg, server.Deps{
			DB:         conn,
			Schedules:  schedules,
			Executions: executions,
			Results:    results,
			Runner:     run,
			Jobs:       asyncjob.NewManager(nil, run, log),
			Reconciler: reconciler,
			AuditMgr:   auditMgr,
			AuditStore: auditStore,
			Prefs:      prefs,
		}, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			ticker.Stop()
			return err
		case <-ctx.Done():
			log.Infow("shutdown signal received")
		}

		ticker.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// syncLoop reconciles schedules into the orchestrator on a fixed interval
func syncLoop(ctx context.Context, reconciler *airflow.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconciler.SyncAll(ctx); err != nil {
				logger.Errorw("periodic sync pass failed", "error", err)
			}
		}
	}
}

// cleanupLoop prunes terminal executions past the retention window daily
func cleanupLoop(ctx context.Context, executions *execution.Store, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := executions.CleanupOlderThan(retentionDays)
			if err != nil {
				logger.Errorw("execution cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Infow("old executions pruned", "deleted", deleted, "retention_days", retentionDays)
			}
		}
	}
}
