package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3FramesLab/kpi-engine/cmd/kpi-engine/commands"
	"github.com/3FramesLab/kpi-engine/config"
	"github.com/3FramesLab/kpi-engine/logger"
)

var rootCmd = &cobra.Command{
	Use:   "kpi-engine",
	Short: "KPI schedule execution engine",
	Long: `kpi-engine runs KPI queries on schedules with retry, timeout and
cancellation semantics, stores paginated results for drill-down, and mirrors
schedule definitions into an external orchestrator.

Available commands:
  serve   - Start the scheduler and HTTP API
  migrate - Apply pending database migrations
  sync    - Push active schedules to the orchestrator once

Examples:
  kpi-engine serve                  # Start with ./kpi-engine.yaml or defaults
  kpi-engine serve --config prod.yaml
  kpi-engine migrate
  kpi-engine sync`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		configPath, _ := cmd.Flags().GetString("config")
		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromFile(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		commands.Cfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./kpi-engine.yaml)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.SyncCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
