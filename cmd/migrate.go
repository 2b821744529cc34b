package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables and indexes if they do not exist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		err := withStore(cmd.Context(), cfg, func(store.Store) error { return nil })
		if err != nil {
			return err
		}

		zap.L().Info("schema ensured", zap.String("driver", cfg.Store.Driver))
		fmt.Println("Schema is up to date.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
