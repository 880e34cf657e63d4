package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"referral-service/internal/config"
	"referral-service/internal/logger"
)

const (
	app = "referral-service"
)

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "referral-service matches talents with insiders and runs the match lifecycle",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := config.SetDefaults(viper.GetViper()); err != nil {
		log.Fatalf("setting config defaults: %v", err)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// bootstrap loads the config and builds the logger every command starts
// from.
func bootstrap() (*config.Config, *zap.Logger) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		log.Fatalf("loading config: %s", err)
	}

	l, err := logger.New(cfg.JSONLogs, cfg.Debug)
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	return cfg, l
}
