package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/config"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "caremap-sync",
	Short: "Long-term care institution synchronization engine",
	Long: "Loads long-term care institution batches, geocodes their addresses with the Kakao Local API " +
		"and upserts them into PostgreSQL or SQLite, recording every capacity, headcount and hours change.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded

		return eris.Wrap(config.InitLogger(cfg.Log), "init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
