package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/config"
	"github.com/caremap/caremap-sync/internal/db"
	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/metrics"
	"github.com/caremap/caremap-sync/internal/pipeline"
	"github.com/caremap/caremap-sync/internal/resilience"
	"github.com/caremap/caremap-sync/internal/store"
	"github.com/caremap/caremap-sync/pkg/geocode"
)

const connectTimeout = 10 * time.Second

// syncEnv holds what the sync, backfill and serve commands share.
type syncEnv struct {
	Metrics  *metrics.Metrics
	Pipeline *pipeline.Pipeline
	Open     pipeline.Opener
}

// openStore connects to the configured store. obs may be nil.
func openStore(ctx context.Context, c *config.Config, obs store.Observer) (store.Store, error) {
	var opts []store.Option
	if obs != nil {
		opts = append(opts, store.WithObserver(obs))
	}

	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DSN(), opts...)
	case "postgres":
		pool, err := db.Connect(ctx, c.Store.DSN(), db.PoolConfig{
			MaxConns:       c.Store.MaxConns,
			ConnectTimeout: connectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool, opts...), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// newGeocoder builds the Kakao client from config.
func newGeocoder(c config.GeocodeConfig, m *metrics.Metrics) geocode.Client {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		OnChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("geocode: circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	opts := []geocode.Option{
		geocode.WithAPIKey(c.KakaoAPIKey),
		geocode.WithBaseURL(c.BaseURL),
		geocode.WithTimeout(c.Timeout()),
		geocode.WithRetryPolicy(resilience.PolicyFromLimit(c.RetryLimit, 0)),
		geocode.WithBreaker(breaker),
		geocode.WithConcurrency(c.Concurrency),
		geocode.WithRecorder(m),
	}
	if b := c.Bounds; b.Enabled {
		opts = append(opts, geocode.WithBounds(geocode.NewBounds(b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)))
	} else {
		opts = append(opts, geocode.WithBounds(geocode.Bounds{}))
	}
	return geocode.NewClient(opts...)
}

// newSource builds the batch source with HTTP and FTP fetchers.
func newSource() *fetcher.Source {
	return fetcher.NewSource(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
	)
}

// initSyncEnv validates the config for mode and wires the pipeline.
func initSyncEnv(c *config.Config, mode string) (*syncEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	m := metrics.New()
	open := func(ctx context.Context) (store.Store, error) {
		return openStore(ctx, c, m)
	}
	p := pipeline.New(c, open, newSource(), newGeocoder(c.Geocode, m), m)

	return &syncEnv{Metrics: m, Pipeline: p, Open: open}, nil
}

// withStore opens the store, ensures the schema, and runs fn.
func withStore(ctx context.Context, c *config.Config, fn func(store.Store) error) error {
	st, err := openStore(ctx, c, nil)
	if err != nil {
		return eris.Wrap(err, "connect store")
	}
	defer st.Close() //nolint:errcheck

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn(st)
}
