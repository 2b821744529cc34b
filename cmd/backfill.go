package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Geocode stored institutions that have no coordinates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return eris.New("backfill: --limit must be positive")
		}

		env, err := initSyncEnv(cfg, "backfill")
		if err != nil {
			return err
		}

		result, err := env.Pipeline.Backfill(ctx, limit)
		pushMetrics(ctx, env)
		if err != nil {
			return err
		}

		fmt.Println(color.GreenString("Updated %d of %d institutions (%d unresolved)",
			result.Updated, result.Total, result.Failed))
		return nil
	},
}

func init() {
	backfillCmd.Flags().Int("limit", 100, "max institutions to geocode")
	rootCmd.AddCommand(backfillCmd)
}
