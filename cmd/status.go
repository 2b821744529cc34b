package main

import (
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

// statusReport is everything the status command prints.
type statusReport struct {
	Statistics  *model.Statistics
	Coordinates *model.CoordinateStats
	History     *model.HistoryStats
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show institution, coordinate and history statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()
		days, _ := cmd.Flags().GetInt("days")

		return withStore(ctx, cfg, func(st store.Store) error {
			var rep statusReport
			var err error

			if rep.Statistics, err = st.Statistics(ctx); err != nil {
				return eris.Wrap(err, "status: statistics")
			}
			if rep.Coordinates, err = st.CoordinateStats(ctx); err != nil {
				return eris.Wrap(err, "status: coordinate stats")
			}
			since := time.Now().AddDate(0, 0, -days)
			if rep.History, err = st.HistoryStats(ctx, since); err != nil {
				return eris.Wrap(err, "status: history stats")
			}

			printStatus(os.Stdout, rep)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().Int("days", 30, "window in days for recent history changes")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, rep statusReport) {
	if rep.Statistics != nil {
		printStatistics(w, rep.Statistics)
	}

	if c := rep.Coordinates; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.CyanString("Coordinates"))
		rate := fmt.Sprintf("%.1f%%", c.CompletionRate)
		switch {
		case c.CompletionRate >= 90:
			rate = color.GreenString("%s", rate)
		case c.CompletionRate >= 50:
			rate = color.YellowString("%s", rate)
		default:
			rate = color.RedString("%s", rate)
		}
		fmt.Fprintf(w, "  located %d of %d (%s), %d missing\n", c.WithCoordinates, c.Total, rate, c.WithoutCoordinates)
	}

	if h := rep.History; h != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.CyanString("History"))
		fmt.Fprintf(w, "  %d history rows, %d since %s\n", h.HistoryRows, h.RecentChanges, h.Since.Format("2006-01-02"))
	}
}

func printStatistics(w io.Writer, s *model.Statistics) {
	fmt.Fprintln(w, color.CyanString("Institutions: %d", s.Total))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Service Type", "Count"})
	for _, st := range s.ServiceTypes() {
		label := st
		if label == "" {
			label = "(none)"
		}
		table.Append([]string{label, fmt.Sprintf("%d", s.ByServiceType[st])})
	}
	table.Render()
}
