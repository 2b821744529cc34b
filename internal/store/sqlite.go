package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/caremap/caremap-sync/internal/db"
	"github.com/caremap/caremap-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as RFC 3339 text in UTC and dates as YYYY-MM-DD.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	syncer *syncer
}

const (
	sqliteDateLayout = "2006-01-02"
	// Fixed width so that text ordering matches time ordering.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var sqliteDialect = dialect{
	name:      "sqlite",
	lookupSQL: `SELECT id, name, address, capacity, current_headcount FROM institutions WHERE institution_code = ?`,
	historySQL: `INSERT INTO institution_history (institution_id, recorded_date, name, address, capacity, current_headcount)
		VALUES (?, ?, ?, ?, ?, ?)`,
	upsertSQL: `INSERT INTO institutions (institution_code, name, service_type, capacity, current_headcount,
			address, operating_hours, latitude, longitude, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (institution_code) DO UPDATE SET
			name = excluded.name,
			service_type = excluded.service_type,
			capacity = excluded.capacity,
			current_headcount = excluded.current_headcount,
			address = excluded.address,
			operating_hours = excluded.operating_hours,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			last_updated_at = excluded.last_updated_at`,
	dateArg: func(t time.Time) any { return t.Format(sqliteDateLayout) },
	timeArg: func(t time.Time) any { return formatSQLiteTime(t) },
}

// NewSQLite opens the database at dsn (a file path or ":memory:") on a single
// connection with foreign keys enforced.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: conn, opts: buildOptions(opts)}
	s.syncer = newSyncer(sqliteDialect, s.beginSync, s.opts)
	return s, nil
}

// sqlSyncTx adapts *sql.Tx to syncTx.
type sqlSyncTx struct {
	tx *sql.Tx
}

func (t sqlSyncTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t sqlSyncTx) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t sqlSyncTx) Commit(context.Context) error { return t.tx.Commit() }

func (t sqlSyncTx) Rollback(context.Context) error { return t.tx.Rollback() }

func (s *SQLiteStore) beginSync(ctx context.Context) (syncTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlSyncTx{tx: tx}, nil
}

// isSQLiteDataError reports constraint, type mismatch, size and range
// failures raised by SQLite for a single statement.
func isSQLiteDataError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
		return true
	}
	return false
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS institutions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	institution_code  VARCHAR(20) UNIQUE NOT NULL,
	name              VARCHAR(255) NOT NULL,
	service_type      VARCHAR(100),
	capacity          INTEGER,
	current_headcount INTEGER,
	address           VARCHAR(255),
	operating_hours   TEXT,
	latitude          REAL,
	longitude         REAL,
	last_updated_at   TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_institution_code ON institutions(institution_code);
CREATE INDEX IF NOT EXISTS idx_location ON institutions(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_service_type ON institutions(service_type);

CREATE TABLE IF NOT EXISTS institution_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	institution_id    INTEGER REFERENCES institutions(id) ON DELETE CASCADE,
	recorded_date     TEXT NOT NULL,
	name              VARCHAR(255),
	address           VARCHAR(255),
	capacity          INTEGER,
	current_headcount INTEGER
);

CREATE INDEX IF NOT EXISTS idx_institution_history_id ON institution_history(institution_id);
CREATE INDEX IF NOT EXISTS idx_recorded_date ON institution_history(recorded_date);

CREATE TABLE IF NOT EXISTS sync_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	total        INTEGER NOT NULL DEFAULT 0,
	success      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return &SchemaError{Err: eris.Wrap(err, "sqlite")}
	}
	return nil
}

func (s *SQLiteStore) UpsertOne(ctx context.Context, rec model.Record) (bool, error) {
	return s.syncer.upsertOne(ctx, rec)
}

func (s *SQLiteStore) SyncBatch(ctx context.Context, records []model.Record) model.SyncReport {
	return s.syncer.syncBatch(ctx, records)
}

func (s *SQLiteStore) Statistics(ctx context.Context) (*model.Statistics, error) {
	stats := &model.Statistics{ByServiceType: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM institutions`).Scan(&stats.Total); err != nil {
		return nil, eris.Wrap(err, "sqlite: count institutions")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(service_type, ''), COUNT(*) FROM institutions GROUP BY service_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by service type")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var serviceType string
		var n int
		if err := rows.Scan(&serviceType, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan service type count")
		}
		stats.ByServiceType[serviceType] += n
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: iterate service types")
}

func (s *SQLiteStore) HistoryStats(ctx context.Context, since time.Time) (*model.HistoryStats, error) {
	hs := &model.HistoryStats{Since: truncateDay(since)}
	err := s.db.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM institutions),
			(SELECT COUNT(*) FROM institution_history),
			(SELECT COUNT(*) FROM institution_history WHERE recorded_date >= ?)`,
		since.Format(sqliteDateLayout),
	).Scan(&hs.Institutions, &hs.HistoryRows, &hs.RecentChanges)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history stats")
	}
	return hs, nil
}

func (s *SQLiteStore) CoordinateStats(ctx context.Context) (*model.CoordinateStats, error) {
	var total, located int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN latitude IS NOT NULL AND longitude IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM institutions`).Scan(&total, &located)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: coordinate stats")
	}
	cs := model.NewCoordinateStats(total, located)
	return &cs, nil
}

const sqliteInstitutionColumns = `id, institution_code, name, COALESCE(service_type, ''), capacity,
	current_headcount, COALESCE(address, ''), COALESCE(operating_hours, ''), latitude, longitude,
	COALESCE(last_updated_at, '')`

func scanSQLiteInstitution(row rowScanner) (*model.Institution, error) {
	var inst model.Institution
	var lat, lng *float64
	var updated string
	err := row.Scan(&inst.ID, &inst.Code, &inst.Name, &inst.ServiceType, &inst.Capacity,
		&inst.CurrentHeadcount, &inst.Address, &inst.OperatingHours, &lat, &lng, &updated)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		inst.Coordinates = &model.Coordinates{Latitude: *lat, Longitude: *lng}
	}
	inst.LastUpdatedAt = parseSQLiteTime(updated)
	return &inst, nil
}

func (s *SQLiteStore) GetInstitution(ctx context.Context, code string) (*model.Institution, error) {
	inst, err := scanSQLiteInstitution(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInstitutionColumns+` FROM institutions WHERE institution_code = ?`, code))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get institution %s", code)
	}
	return inst, nil
}

func (s *SQLiteStore) History(ctx context.Context, code string) ([]model.History, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT h.id, h.institution_id, h.recorded_date, COALESCE(h.name, ''),
			h.address, h.capacity, h.current_headcount
		FROM institution_history h
		JOIN institutions i ON i.id = h.institution_id
		WHERE i.institution_code = ?
		ORDER BY h.id`, code)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", code)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.History
	for rows.Next() {
		var h model.History
		var day string
		if err := rows.Scan(&h.ID, &h.InstitutionID, &day, &h.Prior.Name,
			&h.Prior.Address, &h.Prior.Capacity, &h.Prior.CurrentHeadcount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		h.RecordedDate, err = time.Parse(sqliteDateLayout, day)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse recorded_date %q", day)
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

func (s *SQLiteStore) MissingCoordinates(ctx context.Context, limit int) ([]model.Institution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteInstitutionColumns+`
		FROM institutions
		WHERE (latitude IS NULL OR longitude IS NULL) AND COALESCE(address, '') <> ''
		ORDER BY id
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: missing coordinates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Institution
	for rows.Next() {
		inst, err := scanSQLiteInstitution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan institution")
		}
		out = append(out, *inst)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate institutions")
}

func (s *SQLiteStore) UpdateCoordinates(ctx context.Context, id int64, c model.Coordinates) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE institutions SET latitude = ?, longitude = ? WHERE id = ?`,
		c.Latitude, c.Longitude, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update coordinates %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: institution %d not found", id)
	}
	return nil
}

// sqliteMaxVars keeps IN lists under SQLite's bound-parameter limit.
const sqliteMaxVars = 500

func (s *SQLiteStore) KnownCoordinates(ctx context.Context, addresses []string) (map[string]model.Coordinates, error) {
	known := make(map[string]model.Coordinates)
	addresses = nonBlank(addresses)
	for start := 0; start < len(addresses); start += sqliteMaxVars {
		chunk := addresses[start:min(start+sqliteMaxVars, len(addresses))]
		args := make([]any, len(chunk))
		for i, a := range chunk {
			args[i] = a
		}

		rows, err := s.db.QueryContext(ctx, `SELECT address, latitude, longitude
			FROM institutions
			WHERE address IN (`+placeholders(len(chunk))+`)
				AND TRIM(address) <> ''
				AND latitude IS NOT NULL AND longitude IS NOT NULL
			ORDER BY last_updated_at`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: known coordinates")
		}
		for rows.Next() {
			var addr string
			var c model.Coordinates
			if err := rows.Scan(&addr, &c.Latitude, &c.Longitude); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan coordinates")
			}
			// Later rows are more recent and win.
			known[addr] = c
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate coordinates")
		}
	}
	return known, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) StartRun(ctx context.Context, source string) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunStatusRunning,
		StartedAt: s.opts.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Source, string(run.Status), formatSQLiteTime(run.StartedAt))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: start run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, report model.SyncReport) error {
	return s.finishRun(ctx, id, model.RunStatusComplete, report, nil)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, report model.SyncReport, runErr error) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, report, runErr)
}

func (s *SQLiteStore) finishRun(ctx context.Context, id string, status model.RunStatus, report model.SyncReport, runErr error) error {
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_runs
		SET status = ?, completed_at = ?, total = ?, success = ?, failed = ?, error = ?
		WHERE id = ?`,
		string(status), formatSQLiteTime(s.opts.now()), report.Total, report.Success, report.Failed, msg, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: run %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, status, started_at, completed_at,
			total, success, failed, COALESCE(error, '')
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var status, started string
		var completed *string
		if err := rows.Scan(&r.ID, &r.Source, &status, &started, &completed,
			&r.Report.Total, &r.Report.Success, &r.Report.Failed, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.StartedAt = parseSQLiteTime(started)
		if completed != nil {
			t := parseSQLiteTime(*completed)
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime accepts RFC 3339 and SQLite's own "YYYY-MM-DD HH:MM:SS"
// format. Unparseable values yield the zero time.
func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
