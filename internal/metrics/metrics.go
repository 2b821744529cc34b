// Package metrics exposes synchronization and geocoding counters on a
// dedicated Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"

	"github.com/caremap/caremap-sync/internal/model"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GeocodeLookups     *prometheus.CounterVec
	SyncRecords        *prometheus.CounterVec
	SyncHistoryRows    prometheus.Counter
	RunDuration        prometheus.Histogram
	LastSuccessfulSync prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		GeocodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caremap_geocode_lookups_total",
			Help: "Geocoding lookups by outcome",
		}, []string{"outcome"}),
		SyncRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caremap_sync_records_total",
			Help: "Records processed by synchronization passes, by result",
		}, []string{"result"}),
		SyncHistoryRows: f.NewCounter(prometheus.CounterOpts{
			Name: "caremap_sync_history_rows_total",
			Help: "History rows written by committed batches",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "caremap_sync_run_duration_seconds",
			Help:    "Wall time of synchronization passes",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		LastSuccessfulSync: f.NewGauge(prometheus.GaugeOpts{
			Name: "caremap_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last pass that finished without a fatal fault",
		}),
	}
}

// GeocodeOutcome counts one lookup.
func (m *Metrics) GeocodeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GeocodeLookups.WithLabelValues(outcome).Inc()
}

// BatchSynced counts the records of one batch and the history rows it wrote.
func (m *Metrics) BatchSynced(report model.SyncReport, historyRows int) {
	if m == nil {
		return
	}
	m.SyncRecords.WithLabelValues("success").Add(float64(report.Success))
	m.SyncRecords.WithLabelValues("failed").Add(float64(report.Failed))
	m.SyncHistoryRows.Add(float64(historyRows))
}

// RejectedRecords counts input rows that never reached the store.
func (m *Metrics) RejectedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncRecords.WithLabelValues("rejected").Add(float64(n))
}

// RunFinished observes the duration of a pass and, when it succeeded,
// stamps the completion time.
func (m *Metrics) RunFinished(elapsed time.Duration, finishedAt time.Time, ok bool) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
	if ok {
		m.LastSuccessfulSync.Set(float64(finishedAt.Unix()))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Push sends the current values to a Pushgateway, replacing the job's
// previous group.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		PushContext(ctx)
	return eris.Wrap(err, "metrics: push")
}
