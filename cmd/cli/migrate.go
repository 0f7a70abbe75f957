package cli

import (
	"clawboard/internal/config"
	"clawboard/internal/server"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			logrus.Warnf("init logger: %v", err)
		}
		db, err := server.OpenDatabase(cfg, logrus.StandardLogger())
		if err != nil {
			return err
		}
		if err := server.Migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
