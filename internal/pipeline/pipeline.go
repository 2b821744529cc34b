// Package pipeline runs synchronization passes: open the store, ensure the
// schema, obtain a batch, geocode what is missing, sync and report.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/config"
	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/metrics"
	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/store"
	"github.com/caremap/caremap-sync/pkg/geocode"
)

// Opener connects to the store. It is called once per pass and the returned
// store is closed when the pass ends.
type Opener func(ctx context.Context) (store.Store, error)

// BatchLoader obtains a batch by location.
type BatchLoader interface {
	Load(ctx context.Context, location string, opts fetcher.Options) (*fetcher.Batch, error)
}

// Pipeline orchestrates synchronization passes.
type Pipeline struct {
	cfg      *config.Config
	open     Opener
	source   BatchLoader
	geocoder geocode.Client
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Pipeline. m may be nil.
func New(cfg *config.Config, open Opener, source BatchLoader, geocoder geocode.Client, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		open:     open,
		source:   source,
		geocoder: geocoder,
		metrics:  m,
		now:      time.Now,
	}
}

// GeocodeSummary counts how the coordinates of a batch were obtained.
type GeocodeSummary struct {
	Provided   int `json:"provided"`
	Reused     int `json:"reused"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
}

// RunResult is the outcome of one pass.
type RunResult struct {
	RunID      string            `json:"run_id,omitempty"`
	Source     string            `json:"source"`
	Report     model.SyncReport  `json:"report"`
	Rejects    []fetcher.Reject  `json:"rejects,omitempty"`
	Geocode    GeocodeSummary    `json:"geocode"`
	Statistics *model.Statistics `json:"statistics,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Run performs one pass over the batch at location. Only a store connection
// failure (*ConnectionError), a schema failure (*store.SchemaError) or a batch
// that cannot be obtained abort the pass; record failures are counted.
func (p *Pipeline) Run(ctx context.Context, location string, opts fetcher.Options) (*RunResult, error) {
	return p.run(ctx, location, func(ctx context.Context) (*fetcher.Batch, error) {
		return p.source.Load(ctx, location, opts)
	})
}

// RunBatch performs one pass over an already obtained batch.
func (p *Pipeline) RunBatch(ctx context.Context, label string, batch *fetcher.Batch) (*RunResult, error) {
	return p.run(ctx, label, func(context.Context) (*fetcher.Batch, error) {
		return batch, nil
	})
}

func (p *Pipeline) run(ctx context.Context, label string, load func(context.Context) (*fetcher.Batch, error)) (*RunResult, error) {
	start := p.now()
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("source", label))
	log.Info("pipeline: starting pass")

	st, err := p.open(ctx)
	if err != nil {
		p.metrics.RunFinished(p.now().Sub(start), p.now(), false)
		return nil, &ConnectionError{Err: err}
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Warn("pipeline: close store", zap.Error(closeErr))
		}
	}()

	if err := st.EnsureSchema(ctx); err != nil {
		p.metrics.RunFinished(p.now().Sub(start), p.now(), false)
		return nil, err
	}

	result := &RunResult{Source: label}
	runID := p.startRun(ctx, st, label, log)
	result.RunID = runID

	batch, err := load(ctx)
	if err != nil {
		err = eris.Wrap(err, "pipeline: obtain batch")
		p.failRun(ctx, st, runID, model.SyncReport{}, err, log)
		p.metrics.RunFinished(p.now().Sub(start), p.now(), false)
		return nil, err
	}
	if batch == nil {
		batch = &fetcher.Batch{}
	}
	result.Rejects = batch.Rejects
	for _, rej := range batch.Rejects {
		log.Warn("pipeline: row rejected", zap.Int("row", rej.Row), zap.String("reason", rej.Reason))
	}

	records, summary := p.enrich(ctx, st, batch.Records, log)
	result.Geocode = summary

	report := st.SyncBatch(ctx, records)
	rejected := len(batch.Rejects)
	report = report.Merge(model.SyncReport{Failed: rejected, Total: rejected})
	p.metrics.RejectedRecords(rejected)
	result.Report = report

	stats, err := st.Statistics(ctx)
	if err != nil {
		log.Warn("pipeline: statistics", zap.Error(err))
	}
	result.Statistics = stats

	ok := true
	switch {
	case ctx.Err() != nil:
		ok = false
		p.failRun(ctx, st, runID, report, ctx.Err(), log)
	case report.Total > 0 && report.Success == 0:
		ok = false
		p.failRun(ctx, st, runID, report, errors.New("no records synchronized"), log)
	default:
		p.completeRun(ctx, st, runID, report, log)
	}

	finished := p.now()
	result.Duration = finished.Sub(start)
	p.metrics.RunFinished(result.Duration, finished, ok)

	log.Info("pipeline: pass complete",
		zap.Int("success", report.Success),
		zap.Int("failed", report.Failed),
		zap.Int("total", report.Total),
		zap.Int("geocoded", summary.Resolved),
		zap.Int("reused", summary.Reused),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// enrich fills in missing coordinates. Records that already carry
// coordinates are left alone; stored coordinates for the same address are
// reused when enabled; the rest go to the geocoder. Unresolved records keep
// nil coordinates. The input slice is not modified.
func (p *Pipeline) enrich(ctx context.Context, st store.Store, in []model.Record, log *zap.Logger) ([]model.Record, GeocodeSummary) {
	records := make([]model.Record, len(in))
	copy(records, in)

	var summary GeocodeSummary
	var pending []string
	for _, r := range records {
		switch {
		case r.Coordinates != nil:
			summary.Provided++
		case blankAddress(r.Address):
			summary.Unresolved++
		default:
			pending = append(pending, r.Address)
		}
	}
	if len(pending) == 0 {
		return records, summary
	}

	known := map[string]model.Coordinates{}
	if p.cfg.Geocode.ReuseStored {
		found, err := st.KnownCoordinates(ctx, geocode.Distinct(pending))
		if err != nil {
			log.Warn("pipeline: stored coordinates lookup failed", zap.Error(err))
		} else {
			known = found
		}
	}

	var lookup []string
	for _, addr := range pending {
		if _, ok := known[addr]; !ok {
			lookup = append(lookup, addr)
		}
	}

	resolved := map[string]*model.Coordinates{}
	if len(lookup) > 0 {
		resolved = p.geocoder.ResolveBatch(ctx, lookup, p.cfg.Geocode.Delay())
	}

	for i := range records {
		if records[i].Coordinates != nil || blankAddress(records[i].Address) {
			continue
		}
		addr := records[i].Address
		if c, ok := known[addr]; ok {
			records[i].Coordinates = &c
			summary.Reused++
			continue
		}
		if c := resolved[addr]; c != nil {
			cp := *c
			records[i].Coordinates = &cp
			summary.Resolved++
			continue
		}
		summary.Unresolved++
	}
	return records, summary
}

// blankAddress reports an address that cannot be geocoded; such records keep
// null coordinates.
func blankAddress(addr string) bool {
	return strings.TrimSpace(addr) == ""
}

func (p *Pipeline) startRun(ctx context.Context, st store.Store, label string, log *zap.Logger) string {
	run, err := st.StartRun(ctx, label)
	if err != nil {
		log.Warn("pipeline: record run start", zap.Error(err))
		return ""
	}
	return run.ID
}

func (p *Pipeline) completeRun(ctx context.Context, st store.Store, id string, report model.SyncReport, log *zap.Logger) {
	if id == "" {
		return
	}
	if err := st.CompleteRun(ctx, id, report); err != nil {
		log.Warn("pipeline: record run completion", zap.String("run_id", id), zap.Error(err))
	}
}

// failRun records a failed pass. It uses a context detached from
// cancellation so an interrupted pass is still logged.
func (p *Pipeline) failRun(ctx context.Context, st store.Store, id string, report model.SyncReport, runErr error, log *zap.Logger) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := st.FailRun(ctx, id, report, runErr); err != nil {
		log.Warn("pipeline: record run failure", zap.String("run_id", id), zap.Error(err))
	}
}
