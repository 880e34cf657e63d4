package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one matching and expiry cycle and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sweep(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func sweep(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log := bootstrap()
	defer log.Sync()

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.close()

	report, err := svc.scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if report.Skipped {
		log.Info("sweep skipped", zap.String("reason", "another replica holds the lock"))
		return nil
	}

	log.Info("sweep finished",
		zap.Int("talents", report.Sweep.Talents),
		zap.Int("created", report.Sweep.Created),
		zap.Int("failed", report.Sweep.Failed),
		zap.Int("expired", report.Expired),
	)
	for _, r := range report.Sweep.Results {
		if r.Error != "" {
			log.Warn("talent not matched", zap.String("talent_uid", r.TalentUID), zap.String("error", r.Error))
		}
	}
	return nil
}
