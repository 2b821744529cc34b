package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/caremap/caremap-sync/internal/db"
	"github.com/caremap/caremap-sync/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool   db.Pool
	opts   options
	syncer *syncer
}

var postgresDialect = dialect{
	name:      "postgres",
	lookupSQL: `SELECT id, name, address, capacity, current_headcount FROM institutions WHERE institution_code = $1`,
	historySQL: `INSERT INTO institution_history (institution_id, recorded_date, name, address, capacity, current_headcount)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	upsertSQL: `INSERT INTO institutions (institution_code, name, service_type, capacity, current_headcount,
			address, operating_hours, latitude, longitude, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (institution_code) DO UPDATE SET
			name = EXCLUDED.name,
			service_type = EXCLUDED.service_type,
			capacity = EXCLUDED.capacity,
			current_headcount = EXCLUDED.current_headcount,
			address = EXCLUDED.address,
			operating_hours = EXCLUDED.operating_hours,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			last_updated_at = EXCLUDED.last_updated_at`,
	dateArg: func(t time.Time) any { return truncateDay(t) },
	timeArg: func(t time.Time) any { return t.UTC() },
}

// NewPostgres wraps an open pool. The store takes ownership of the pool and
// closes it on Close.
func NewPostgres(pool db.Pool, opts ...Option) *PostgresStore {
	s := &PostgresStore{pool: pool, opts: buildOptions(opts)}
	s.syncer = newSyncer(postgresDialect, s.beginSync, s.opts)
	return s
}

// pgxSyncTx adapts pgx.Tx to syncTx.
type pgxSyncTx struct {
	tx pgx.Tx
}

func (t pgxSyncTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t pgxSyncTx) QueryRow(ctx context.Context, sql string, args ...any) rowScanner {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t pgxSyncTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t pgxSyncTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (s *PostgresStore) beginSync(ctx context.Context) (syncTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxSyncTx{tx: tx}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS institutions (
	id                SERIAL PRIMARY KEY,
	institution_code  VARCHAR(20) UNIQUE NOT NULL,
	name              VARCHAR(255) NOT NULL,
	service_type      VARCHAR(100),
	capacity          INT,
	current_headcount INT,
	address           VARCHAR(255),
	operating_hours   TEXT,
	latitude          DECIMAL(10, 8),
	longitude         DECIMAL(11, 8),
	last_updated_at   TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_institution_code ON institutions(institution_code);
CREATE INDEX IF NOT EXISTS idx_location ON institutions(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_service_type ON institutions(service_type);

CREATE TABLE IF NOT EXISTS institution_history (
	id                SERIAL PRIMARY KEY,
	institution_id    INT REFERENCES institutions(id) ON DELETE CASCADE,
	recorded_date     DATE NOT NULL,
	name              VARCHAR(255),
	address           VARCHAR(255),
	capacity          INT,
	current_headcount INT
);

CREATE INDEX IF NOT EXISTS idx_institution_history_id ON institution_history(institution_id);
CREATE INDEX IF NOT EXISTS idx_recorded_date ON institution_history(recorded_date);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	total        INT NOT NULL DEFAULT 0,
	success      INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at DESC);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return &SchemaError{Err: eris.Wrap(err, "postgres")}
	}
	return nil
}

func (s *PostgresStore) UpsertOne(ctx context.Context, rec model.Record) (bool, error) {
	return s.syncer.upsertOne(ctx, rec)
}

func (s *PostgresStore) SyncBatch(ctx context.Context, records []model.Record) model.SyncReport {
	return s.syncer.syncBatch(ctx, records)
}

func (s *PostgresStore) Statistics(ctx context.Context) (*model.Statistics, error) {
	stats := &model.Statistics{ByServiceType: make(map[string]int)}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM institutions`).Scan(&stats.Total); err != nil {
		return nil, eris.Wrap(err, "postgres: count institutions")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(service_type, ''), COUNT(*) FROM institutions GROUP BY service_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by service type")
	}
	defer rows.Close()

	for rows.Next() {
		var serviceType string
		var n int
		if err := rows.Scan(&serviceType, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan service type count")
		}
		stats.ByServiceType[serviceType] += n
	}
	return stats, eris.Wrap(rows.Err(), "postgres: iterate service types")
}

func (s *PostgresStore) HistoryStats(ctx context.Context, since time.Time) (*model.HistoryStats, error) {
	hs := &model.HistoryStats{Since: truncateDay(since)}
	err := s.pool.QueryRow(ctx, `SELECT
			(SELECT COUNT(*) FROM institutions),
			(SELECT COUNT(*) FROM institution_history),
			(SELECT COUNT(*) FROM institution_history WHERE recorded_date >= $1)`,
		hs.Since,
	).Scan(&hs.Institutions, &hs.HistoryRows, &hs.RecentChanges)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history stats")
	}
	return hs, nil
}

func (s *PostgresStore) CoordinateStats(ctx context.Context) (*model.CoordinateStats, error) {
	var total, located int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*),
			COUNT(*) FILTER (WHERE latitude IS NOT NULL AND longitude IS NOT NULL)
		FROM institutions`).Scan(&total, &located)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: coordinate stats")
	}
	cs := model.NewCoordinateStats(total, located)
	return &cs, nil
}

const postgresInstitutionColumns = `id, institution_code, name, COALESCE(service_type, ''), capacity,
	current_headcount, COALESCE(address, ''), COALESCE(operating_hours, ''), latitude::float8,
	longitude::float8, COALESCE(last_updated_at, 'epoch'::timestamptz)`

func scanInstitution(row rowScanner) (*model.Institution, error) {
	var inst model.Institution
	var lat, lng *float64
	err := row.Scan(&inst.ID, &inst.Code, &inst.Name, &inst.ServiceType, &inst.Capacity,
		&inst.CurrentHeadcount, &inst.Address, &inst.OperatingHours, &lat, &lng, &inst.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		inst.Coordinates = &model.Coordinates{Latitude: *lat, Longitude: *lng}
	}
	return &inst, nil
}

func (s *PostgresStore) GetInstitution(ctx context.Context, code string) (*model.Institution, error) {
	inst, err := scanInstitution(s.pool.QueryRow(ctx,
		`SELECT `+postgresInstitutionColumns+` FROM institutions WHERE institution_code = $1`, code))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get institution %s", code)
	}
	return inst, nil
}

func (s *PostgresStore) History(ctx context.Context, code string) ([]model.History, error) {
	rows, err := s.pool.Query(ctx, `SELECT h.id, h.institution_id, h.recorded_date, COALESCE(h.name, ''),
			h.address, h.capacity, h.current_headcount
		FROM institution_history h
		JOIN institutions i ON i.id = h.institution_id
		WHERE i.institution_code = $1
		ORDER BY h.id`, code)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: history %s", code)
	}
	defer rows.Close()

	var out []model.History
	for rows.Next() {
		var h model.History
		if err := rows.Scan(&h.ID, &h.InstitutionID, &h.RecordedDate, &h.Prior.Name,
			&h.Prior.Address, &h.Prior.Capacity, &h.Prior.CurrentHeadcount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func (s *PostgresStore) MissingCoordinates(ctx context.Context, limit int) ([]model.Institution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresInstitutionColumns+`
		FROM institutions
		WHERE (latitude IS NULL OR longitude IS NULL) AND COALESCE(address, '') <> ''
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: missing coordinates")
	}
	defer rows.Close()

	var out []model.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan institution")
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate institutions")
}

func (s *PostgresStore) UpdateCoordinates(ctx context.Context, id int64, c model.Coordinates) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE institutions SET latitude = $1, longitude = $2 WHERE id = $3`,
		c.Latitude, c.Longitude, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update coordinates %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: institution %d not found", id)
	}
	return nil
}

func (s *PostgresStore) KnownCoordinates(ctx context.Context, addresses []string) (map[string]model.Coordinates, error) {
	known := make(map[string]model.Coordinates)
	addresses = nonBlank(addresses)
	if len(addresses) == 0 {
		return known, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (address) address, latitude::float8, longitude::float8
		FROM institutions
		WHERE address = ANY($1) AND btrim(address) <> ''
			AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY address, last_updated_at DESC`, addresses)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: known coordinates")
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		var c model.Coordinates
		if err := rows.Scan(&addr, &c.Latitude, &c.Longitude); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coordinates")
		}
		known[addr] = c
	}
	return known, eris.Wrap(rows.Err(), "postgres: iterate coordinates")
}

func (s *PostgresStore) StartRun(ctx context.Context, source string) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunStatusRunning,
		StartedAt: s.opts.now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, source, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Source, string(run.Status), run.StartedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: start run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, report model.SyncReport) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, report, nil)
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, report model.SyncReport, runErr error) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, report, runErr)
}

func (s *PostgresStore) finishRun(ctx context.Context, id string, status model.RunStatus, report model.SyncReport, runErr error) error {
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sync_runs
		SET status = $1, completed_at = $2, total = $3, success = $4, failed = $5, error = $6
		WHERE id = $7`,
		string(status), s.opts.now().UTC(), report.Total, report.Success, report.Failed, msg, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT id, source, status, started_at, completed_at,
			total, success, failed, COALESCE(error, '')
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var status string
		if err := rows.Scan(&r.ID, &r.Source, &status, &r.StartedAt, &r.CompletedAt,
			&r.Report.Total, &r.Report.Success, &r.Report.Failed, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
