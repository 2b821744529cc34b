package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/pipeline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass",
	Long:  "Loads a batch (local file, http(s):// or ftp:// URL, or the built-in sample), geocodes addresses without coordinates and synchronizes it into the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		location, _ := cmd.Flags().GetString("source")
		if location == "" {
			location = cfg.Sync.DefaultSource
		}
		if location == "" {
			return eris.New("sync: --source is required")
		}

		opts, err := sourceOptions(cmd)
		if err != nil {
			return err
		}

		if delay, _ := cmd.Flags().GetInt("delay"); delay >= 0 {
			cfg.Geocode.DelayMS = delay
		}

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			batch, err := newSource().Load(ctx, location, opts)
			if err != nil {
				return err
			}
			printBatchPreview(os.Stdout, location, batch)
			return nil
		}

		env, err := initSyncEnv(cfg, "sync")
		if err != nil {
			return err
		}

		result, err := env.Pipeline.Run(ctx, location, opts)
		pushMetrics(ctx, env)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		printRunResult(os.Stdout, result)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("source", "", "batch location: path, http(s):// or ftp:// URL, or \"sample\" (default from config)")
	syncCmd.Flags().String("format", "", "input format: json, yaml, csv, xlsx, xml (default by extension)")
	syncCmd.Flags().String("encoding", "", "csv text encoding, e.g. euc-kr (default utf-8)")
	syncCmd.Flags().String("sheet", "", "xlsx sheet name (default first sheet)")
	syncCmd.Flags().String("xml-element", fetcher.DefaultXMLElement, "xml element holding one institution")
	syncCmd.Flags().Int("delay", -1, "milliseconds between geocoding lookups (default from config)")
	syncCmd.Flags().Bool("dry-run", false, "load and validate the batch without touching the store")
	syncCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(syncCmd)
}

func sourceOptions(cmd *cobra.Command) (fetcher.Options, error) {
	rawFormat, _ := cmd.Flags().GetString("format")
	format, err := fetcher.ParseFormat(rawFormat)
	if err != nil {
		return fetcher.Options{}, err
	}
	encoding, _ := cmd.Flags().GetString("encoding")
	sheet, _ := cmd.Flags().GetString("sheet")
	element, _ := cmd.Flags().GetString("xml-element")
	return fetcher.Options{
		Format:     format,
		Encoding:   encoding,
		Sheet:      sheet,
		XMLElement: element,
	}, nil
}

// pushMetrics sends the pass metrics to the Pushgateway when configured.
// A failed push is logged only.
func pushMetrics(ctx context.Context, env *syncEnv) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := env.Metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		zap.L().Warn("metrics push failed", zap.Error(err))
	}
}

func printRunResult(w io.Writer, r *pipeline.RunResult) {
	fmt.Fprintf(w, "Source:   %s\n", r.Source)
	if r.RunID != "" {
		fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	}
	fmt.Fprintf(w, "Duration: %s\n\n", r.Duration.Round(time.Millisecond))

	report := r.Report
	line := fmt.Sprintf("Synchronized %d of %d records (%d failed)", report.Success, report.Total, report.Failed)
	switch {
	case report.Failed == 0:
		fmt.Fprintln(w, color.GreenString("%s", line))
	case report.Success == 0:
		fmt.Fprintln(w, color.RedString("%s", line))
	default:
		fmt.Fprintln(w, color.YellowString("%s", line))
	}

	g := r.Geocode
	fmt.Fprintf(w, "Coordinates: %d provided, %d reused, %d geocoded, %d unresolved\n",
		g.Provided, g.Reused, g.Resolved, g.Unresolved)

	if len(r.Rejects) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.YellowString("Rejected rows"))
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Row", "Reason"})
		for _, rej := range r.Rejects {
			table.Append([]string{fmt.Sprintf("%d", rej.Row), rej.Reason})
		}
		table.Render()
	}

	if r.Statistics != nil {
		fmt.Fprintln(w)
		printStatistics(w, r.Statistics)
	}
}

func printBatchPreview(w io.Writer, location string, b *fetcher.Batch) {
	fmt.Fprintf(w, "Source: %s\n", location)
	fmt.Fprintf(w, "Rows: %d (%d records, %d rejected)\n\n", b.Total(), len(b.Records), len(b.Rejects))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Code", "Name", "Type", "Capacity", "Current", "Address", "Coordinates"})
	for _, r := range b.Records {
		coords := "-"
		if r.Coordinates != nil {
			coords = fmt.Sprintf("%.6f, %.6f", r.Coordinates.Latitude, r.Coordinates.Longitude)
		}
		table.Append([]string{
			r.Code,
			r.Name,
			r.ServiceType,
			fmt.Sprintf("%d", r.Capacity),
			fmt.Sprintf("%d", r.CurrentHeadcount),
			r.Address,
			coords,
		})
	}
	table.Render()

	for _, rej := range b.Rejects {
		fmt.Fprintln(w, color.YellowString("row %d rejected: %s", rej.Row, rej.Reason))
	}
}
