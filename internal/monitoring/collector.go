// Package monitoring evaluates recent synchronization runs and sends alerts
// when they look unhealthy.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/caremap/caremap-sync/internal/model"
)

// runScanLimit caps how many run log entries one collection reads.
const runScanLimit = 1000

// MetricsSnapshot holds a point-in-time view of sync health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Record metrics across finished runs.
	RecordsTotal   int     `json:"records_total"`
	RecordsFailed  int     `json:"records_failed"`
	RecordFailRate float64 `json:"record_fail_rate"`

	LastSuccessfulAt *time.Time `json:"last_successful_at,omitempty"`

	// Coordinate coverage of the whole store, in percent.
	Institutions       int     `json:"institutions"`
	CoordinateCoverage float64 `json:"coordinate_coverage"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunQuerier is the part of the store the collector reads.
type RunQuerier interface {
	ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
	CoordinateStats(ctx context.Context) (*model.CoordinateStats, error)
}

// Collector gathers metrics from the run log.
type Collector struct {
	store RunQuerier
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunQuerier) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of sync health over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs come back most recent first.
	runs, err := c.store.ListRuns(ctx, runScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
			if snap.LastSuccessfulAt == nil && r.CompletedAt != nil {
				at := *r.CompletedAt
				snap.LastSuccessfulAt = &at
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
			continue
		}
		snap.RecordsTotal += r.Report.Total
		snap.RecordsFailed += r.Report.Failed
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RecordsTotal > 0 {
		snap.RecordFailRate = float64(snap.RecordsFailed) / float64(snap.RecordsTotal)
	}

	coords, err := c.store.CoordinateStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: coordinate stats")
	}
	snap.Institutions = coords.Total
	snap.CoordinateCoverage = coords.CompletionRate

	return snap, nil
}
