package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/caremap/caremap-sync/internal/db"
	"github.com/caremap/caremap-sync/internal/model"
)

// rowScanner is satisfied by pgx.Row and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// syncTx is the transaction surface the batch algorithm needs from a driver.
type syncTx interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) rowScanner
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// dialect holds the driver-specific SQL and argument encoding used by the
// batch algorithm.
type dialect struct {
	name       string
	lookupSQL  string
	historySQL string
	upsertSQL  string
	dateArg    func(time.Time) any
	timeArg    func(time.Time) any
}

const (
	savepointSQL         = "SAVEPOINT sync_record"
	releaseSavepointSQL  = "RELEASE SAVEPOINT sync_record"
	rollbackSavepointSQL = "ROLLBACK TO SAVEPOINT sync_record"
)

// syncer runs batches for one store.
type syncer struct {
	d     dialect
	begin func(ctx context.Context) (syncTx, error)
	opts  options
	log   *zap.Logger
}

func newSyncer(d dialect, begin func(ctx context.Context) (syncTx, error), opts options) *syncer {
	return &syncer{
		d:     d,
		begin: begin,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "store"), zap.String("driver", d.name)),
	}
}

// syncBatch applies every record inside one transaction. Each record runs in
// a savepoint so a rejected statement does not abort the transaction.
func (s *syncer) syncBatch(ctx context.Context, records []model.Record) model.SyncReport {
	total := len(records)
	if total == 0 {
		return model.SyncReport{}
	}

	report, history, err := s.applyAll(ctx, records)
	if err != nil {
		s.log.Error("batch rolled back", zap.Int("total", total), zap.Error(err))
		report, history = model.AllFailed(total), 0
	}
	if s.opts.observer != nil {
		s.opts.observer.BatchSynced(report, history)
	}
	return report
}

func (s *syncer) applyAll(ctx context.Context, records []model.Record) (model.SyncReport, int, error) {
	report := model.SyncReport{Total: len(records)}
	history := 0

	tx, err := s.begin(ctx)
	if err != nil {
		return report, 0, eris.Wrap(err, "store: begin batch")
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	now := s.opts.now()
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, 0, eris.Wrap(err, "store: batch interrupted")
		}

		wrote, err := s.applyRecord(ctx, tx, rec, now)
		if err != nil {
			if !IsRecordFault(err) {
				return report, 0, eris.Wrapf(err, "store: record %d (%s)", i, rec.Code)
			}
			report.Failed++
			s.log.Warn("record rejected",
				zap.Int("index", i),
				zap.String("code", rec.Code),
				zap.Error(err),
			)
			continue
		}
		report.Success++
		if wrote {
			history++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return report, 0, eris.Wrap(err, "store: commit batch")
	}
	committed = true
	return report, history, nil
}

// applyRecord validates rec and upserts it inside a savepoint.
func (s *syncer) applyRecord(ctx context.Context, tx syncTx, rec model.Record, now time.Time) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	if err := tx.Exec(ctx, savepointSQL); err != nil {
		return false, &batchError{eris.Wrap(err, "store: savepoint")}
	}

	wrote, err := s.upsert(ctx, tx, rec, now)
	if err != nil {
		if !IsRecordFault(err) {
			return false, err
		}
		if rbErr := tx.Exec(ctx, rollbackSavepointSQL); rbErr != nil {
			return false, &batchError{eris.Wrap(rbErr, "store: rollback to savepoint")}
		}
		return false, err
	}

	if err := tx.Exec(ctx, releaseSavepointSQL); err != nil {
		return false, &batchError{eris.Wrap(err, "store: release savepoint")}
	}
	return wrote, nil
}

// upsert writes a history row when a tracked field diverges from the stored
// row, then overwrites the row and stamps last_updated_at.
func (s *syncer) upsert(ctx context.Context, tx syncTx, rec model.Record, now time.Time) (bool, error) {
	var (
		id     int64
		stored model.Tracked
	)
	err := tx.QueryRow(ctx, s.d.lookupSQL, rec.Code).
		Scan(&id, &stored.Name, &stored.Address, &stored.Capacity, &stored.CurrentHeadcount)
	found := err == nil
	if err != nil && !db.IsNoRows(err) {
		return false, eris.Wrapf(err, "store: lookup %s", rec.Code)
	}

	wrote := false
	if found && stored.Differs(rec.Tracked()) {
		err := tx.Exec(ctx, s.d.historySQL,
			id, s.d.dateArg(now), stored.Name, stored.Address, stored.Capacity, stored.CurrentHeadcount)
		if err != nil {
			return false, eris.Wrapf(err, "store: insert history %s", rec.Code)
		}
		wrote = true
	}

	var lat, lng *float64
	if rec.Coordinates != nil {
		lat, lng = &rec.Coordinates.Latitude, &rec.Coordinates.Longitude
	}
	err = tx.Exec(ctx, s.d.upsertSQL,
		rec.Code, rec.Name, nilIfEmpty(rec.ServiceType), rec.Capacity, rec.CurrentHeadcount,
		rec.Address, nilIfEmpty(rec.OperatingHours), lat, lng, s.d.timeArg(now))
	if err != nil {
		return false, eris.Wrapf(err, "store: upsert %s", rec.Code)
	}
	return wrote, nil
}

// upsertOne applies a single record in its own transaction.
func (s *syncer) upsertOne(ctx context.Context, rec model.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	wrote, err := s.upsert(ctx, tx, rec, s.opts.now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "store: commit")
	}
	if s.opts.observer != nil {
		history := 0
		if wrote {
			history = 1
		}
		s.opts.observer.BatchSynced(model.SyncReport{Success: 1, Total: 1}, history)
	}
	return wrote, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
