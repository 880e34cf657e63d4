package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"referral-service/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log := bootstrap()
		defer log.Sync()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		database, err := db.Connect(ctx, cfg.DatabaseDSN, true, log)
		if err != nil {
			return err
		}
		return database.Close()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
