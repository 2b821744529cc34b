// Package store persists institutions and their change history and applies
// synchronization batches to them.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/caremap/caremap-sync/internal/db"
	"github.com/caremap/caremap-sync/internal/model"
)

// Store is the synchronization store. Implementations are not safe for
// concurrent synchronization passes.
type Store interface {
	// EnsureSchema idempotently creates the tables and indexes. Failures are
	// returned as *SchemaError.
	EnsureSchema(ctx context.Context) error

	// UpsertOne applies a single record in its own transaction and reports
	// whether a history row was written.
	UpsertOne(ctx context.Context, rec model.Record) (bool, error)

	// SyncBatch applies records in one transaction. Record faults are counted
	// and skipped; any other failure rolls back the whole batch and reports
	// every record as failed.
	SyncBatch(ctx context.Context, records []model.Record) model.SyncReport

	Statistics(ctx context.Context) (*model.Statistics, error)
	HistoryStats(ctx context.Context, since time.Time) (*model.HistoryStats, error)
	CoordinateStats(ctx context.Context) (*model.CoordinateStats, error)

	// GetInstitution returns nil when code is unknown.
	GetInstitution(ctx context.Context, code string) (*model.Institution, error)
	History(ctx context.Context, code string) ([]model.History, error)

	// Coordinate backfill and reuse.
	MissingCoordinates(ctx context.Context, limit int) ([]model.Institution, error)
	UpdateCoordinates(ctx context.Context, id int64, c model.Coordinates) error
	KnownCoordinates(ctx context.Context, addresses []string) (map[string]model.Coordinates, error)

	// Run log.
	StartRun(ctx context.Context, source string) (*model.SyncRun, error)
	CompleteRun(ctx context.Context, id string, report model.SyncReport) error
	FailRun(ctx context.Context, id string, report model.SyncReport, runErr error) error
	ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error)

	Ping(ctx context.Context) error
	Close() error
}

// Observer is notified after a batch commits or rolls back.
type Observer interface {
	BatchSynced(report model.SyncReport, historyRows int)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now      func() time.Time
	observer Observer
}

// WithClock sets the source of last_updated_at and recorded_date.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver registers an Observer for batch outcomes.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SchemaError is returned when the schema cannot be created.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "store: ensure schema: " + e.Err.Error() }

func (e *SchemaError) Unwrap() error { return e.Err }

// batchError marks a failure that invalidates the whole batch transaction,
// regardless of what it wraps.
type batchError struct {
	err error
}

func (e *batchError) Error() string { return e.err.Error() }

func (e *batchError) Unwrap() error { return e.err }

// IsRecordFault reports whether err was caused by the content of a single
// record (validation failure, data exception or constraint violation) rather
// than by the store itself.
func IsRecordFault(err error) bool {
	if err == nil {
		return false
	}
	var be *batchError
	if errors.As(err, &be) {
		return false
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return db.IsDataError(err) || isSQLiteDataError(err)
}

// nonBlank drops empty and whitespace-only addresses, which never identify a
// location.
func nonBlank(addresses []string) []string {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}
