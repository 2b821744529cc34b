package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caremap/caremap-sync/internal/config"
	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/pipeline"
)

func newSourceFlagsCmd() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	c.Flags().String("format", "", "")
	c.Flags().String("encoding", "", "")
	c.Flags().String("sheet", "", "")
	c.Flags().String("xml-element", fetcher.DefaultXMLElement, "")
	return c
}

func TestSourceOptions(t *testing.T) {
	c := newSourceFlagsCmd()
	require.NoError(t, c.Flags().Set("format", "YML"))
	require.NoError(t, c.Flags().Set("encoding", "euc-kr"))
	require.NoError(t, c.Flags().Set("sheet", "기관목록"))

	opts, err := sourceOptions(c)
	require.NoError(t, err)
	assert.Equal(t, fetcher.Options{
		Format:     fetcher.FormatYAML,
		Encoding:   "euc-kr",
		Sheet:      "기관목록",
		XMLElement: fetcher.DefaultXMLElement,
	}, opts)
}

func TestSourceOptions_BadFormat(t *testing.T) {
	c := newSourceFlagsCmd()
	require.NoError(t, c.Flags().Set("format", "parquet"))

	_, err := sourceOptions(c)
	assert.Error(t, err)
}

func TestPrintRunResult(t *testing.T) {
	r := &pipeline.RunResult{
		RunID:    "run-1",
		Source:   "sample",
		Report:   model.SyncReport{Success: 6, Failed: 2, Total: 8},
		Rejects:  []fetcher.Reject{{Row: 3, Reason: "capacity: not a number \"x\""}},
		Geocode:  pipeline.GeocodeSummary{Provided: 1, Reused: 2, Resolved: 4, Unresolved: 1},
		Duration: 1500 * time.Millisecond,
		Statistics: &model.Statistics{
			Total:         6,
			ByServiceType: map[string]int{"방문요양": 6},
		},
	}

	var buf bytes.Buffer
	printRunResult(&buf, r)

	output := buf.String()
	assert.Contains(t, output, "Source:   sample")
	assert.Contains(t, output, "Run:      run-1")
	assert.Contains(t, output, "Duration: 1.5s")
	assert.Contains(t, output, "Synchronized 6 of 8 records (2 failed)")
	assert.Contains(t, output, "1 provided, 2 reused, 4 geocoded, 1 unresolved")
	assert.Contains(t, output, "Rejected rows")
	assert.Contains(t, output, "capacity: not a number")
	assert.Contains(t, output, "Institutions: 6")
}

func TestPrintRunResult_NoRunID(t *testing.T) {
	var buf bytes.Buffer
	printRunResult(&buf, &pipeline.RunResult{Source: "api"})

	output := buf.String()
	assert.NotContains(t, output, "Run:")
	assert.NotContains(t, output, "Rejected rows")
	assert.Contains(t, output, "Synchronized 0 of 0 records (0 failed)")
}

func TestPrintBatchPreview(t *testing.T) {
	batch := fetcher.SampleBatch()
	batch.Records[0].Coordinates = &model.Coordinates{Latitude: 37.5, Longitude: 127.0}
	batch.Rejects = append(batch.Rejects, fetcher.Reject{Row: 9, Reason: "current: not a number \"-\""})

	var buf bytes.Buffer
	printBatchPreview(&buf, "sample", batch)

	output := buf.String()
	assert.Contains(t, output, "Rows: 9 (8 records, 1 rejected)")
	assert.Contains(t, output, "A1234567")
	assert.Contains(t, output, "37.500000, 127.000000")
	assert.Contains(t, output, "row 9 rejected")
}

func TestSyncCommand_RequiresSource(t *testing.T) {
	prev := cfg
	cfg = &config.Config{}
	t.Cleanup(func() { cfg = prev })

	c := newSourceFlagsCmd()
	c.Flags().String("source", "", "")
	c.SetContext(context.Background())

	err := syncCmd.RunE(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--source is required")
	assert.NotEmpty(t, eris.StackFrames(err))
}

func TestBackfillCommand_RejectsNonPositiveLimit(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	c.Flags().Int("limit", 0, "")
	c.SetContext(context.Background())

	err := backfillCmd.RunE(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit must be positive")
	assert.NotEmpty(t, eris.StackFrames(err))
}
