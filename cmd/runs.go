package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent synchronization runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withStore(ctx, cfg, func(st store.Store) error {
			runs, err := st.ListRuns(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "runs list")
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}
			formatRunsList(os.Stdout, runs)
			return nil
		})
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "max number of runs to display")
	runsCmd.Flags().Bool("json", false, "print runs as JSON")
	rootCmd.AddCommand(runsCmd)
}

func formatRunsList(w io.Writer, runs []model.SyncRun) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Source", "Status", "Started", "Duration", "Success", "Failed", "Total", "Error"})

	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}

		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		table.Append([]string{
			id,
			r.Source,
			statusLabel(r.Status),
			r.StartedAt.Format("2006-01-02 15:04"),
			duration,
			fmt.Sprintf("%d", r.Report.Success),
			fmt.Sprintf("%d", r.Report.Failed),
			fmt.Sprintf("%d", r.Report.Total),
			truncate(r.Error, 40),
		})
	}
	table.Render()
}

func statusLabel(s model.RunStatus) string {
	switch s {
	case model.RunStatusComplete:
		return color.GreenString("%s", s)
	case model.RunStatusFailed:
		return color.RedString("%s", s)
	default:
		return color.YellowString("%s", s)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
