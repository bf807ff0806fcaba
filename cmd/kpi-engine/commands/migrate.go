package commands

import (
	"github.com/spf13/cobra"

	"github.com/3FramesLab/kpi-engine/db"
	"github.com/3FramesLab/kpi-engine/logger"
)

// MigrateCmd applies pending database migrations and exits
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
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

		log.Infow("migrations applied", "database", Cfg.Database.Path)
		return nil
	},
}
