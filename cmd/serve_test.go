package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/metrics"
	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/internal/pipeline"
	"github.com/caremap/caremap-sync/internal/store"
)

type fakeRunner struct {
	location string
	opts     fetcher.Options
	label    string
	batch    *fetcher.Batch
	limit    int
	err      error
}

func (f *fakeRunner) Run(_ context.Context, location string, opts fetcher.Options) (*pipeline.RunResult, error) {
	f.location, f.opts = location, opts
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunResult{Source: location, Report: model.SyncReport{Success: 8, Total: 8}}, nil
}

func (f *fakeRunner) RunBatch(_ context.Context, label string, batch *fetcher.Batch) (*pipeline.RunResult, error) {
	f.label, f.batch = label, batch
	if f.err != nil {
		return nil, f.err
	}
	report := model.SyncReport{Success: len(batch.Records), Failed: len(batch.Rejects), Total: batch.Total()}
	return &pipeline.RunResult{Source: label, Report: report, Rejects: batch.Rejects}, nil
}

func (f *fakeRunner) Backfill(_ context.Context, limit int) (*pipeline.BackfillResult, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.BackfillResult{Updated: 2, Failed: 1, Total: 3}, nil
}

func newTestServer(t *testing.T, runner syncRunner) (*triggerServer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.EnsureSchema(context.Background()))

	return &triggerServer{
		runner:  runner,
		store:   st,
		metrics: metrics.New(),
		origins: []string{"*"},
		sources: mustParseSources(t, "https://www.data.go.kr/ltc/"),
	}, st
}

func mustParseSources(t *testing.T, prefixes ...string) []*url.URL {
	t.Helper()
	sources, err := parseSources(prefixes)
	require.NoError(t, err)
	return sources
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServe_Health(t *testing.T) {
	ts, st := newTestServer(t, &fakeRunner{})
	h := ts.routes()

	rec := serve(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, st.Close())
	rec = serve(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
}

func TestServe_Metrics(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})

	rec := serve(t, ts.routes(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "caremap_sync_run_duration_seconds")
}

func TestServe_Runs(t *testing.T) {
	ts, st := newTestServer(t, &fakeRunner{})
	h := ts.routes()

	run, err := st.StartRun(context.Background(), "sample")
	require.NoError(t, err)

	rec := serve(t, h, http.MethodGet, "/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.SyncRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, model.RunStatusRunning, runs[0].Status)

	rec = serve(t, h, http.MethodGet, "/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_SyncBody(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)

	body := `[{"code":"A1","name":"행복요양원","current":85,"lat":37.5,"lng":127.0},{"code":"A2","capacity":"x"}]`
	rec := serve(t, ts.routes(), http.MethodPost, "/sync", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "api", runner.label)
	require.NotNil(t, runner.batch)
	require.Len(t, runner.batch.Records, 1)
	require.NotNil(t, runner.batch.Records[0].Coordinates)
	assert.InDelta(t, 37.5, runner.batch.Records[0].Coordinates.Latitude, 1e-9)
	require.Len(t, runner.batch.Rejects, 1)

	var result pipeline.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, model.SyncReport{Success: 1, Failed: 1, Total: 2}, result.Report)
	assert.Equal(t, 2, result.Rejects[0].Row)
}

func TestServe_SyncBadBody(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)

	rec := serve(t, ts.routes(), http.MethodPost, "/sync", `{"code":"A1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid batch body"}`, rec.Body.String())
	assert.Empty(t, runner.label)
}

func TestServe_SyncSource(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)
	h := ts.routes()

	rec := serve(t, h, http.MethodPost, "/sync?source=sample&format=csv&encoding=euc-kr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sample", runner.location)
	assert.Equal(t, fetcher.FormatCSV, runner.opts.Format)
	assert.Equal(t, "euc-kr", runner.opts.Encoding)

	rec = serve(t, h, http.MethodPost, "/sync?source=sample&format=parquet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_SyncErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"connection", &pipeline.ConnectionError{Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"schema", &store.SchemaError{Err: errors.New("permission denied")}, http.StatusServiceUnavailable},
		{"load", errors.New("pipeline: obtain batch: 404"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, &fakeRunner{err: tt.err})
			rec := serve(t, ts.routes(), http.MethodPost, "/sync?source=sample", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
			assert.NotContains(t, rec.Body.String(), tt.err.Error())
		})
	}
}

func TestServe_SyncSourceAllowList(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   int
	}{
		{"local path", "/etc/passwd", http.StatusBadRequest},
		{"relative path", "data/institutions.csv", http.StatusBadRequest},
		{"file url", "file:///etc/passwd", http.StatusBadRequest},
		{"internal host", "http://169.254.169.254/latest/meta-data", http.StatusBadRequest},
		{"lookalike host", "https://www.data.go.kr.attacker.test/ltc/a.csv", http.StatusBadRequest},
		{"outside prefix", "https://www.data.go.kr/admin/a.csv", http.StatusBadRequest},
		{"dot segments", "https://www.data.go.kr/ltc/../admin/a.csv", http.StatusBadRequest},
		{"listed prefix", "https://www.data.go.kr/ltc/2024.csv", http.StatusOK},
		{"sample", "sample", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			ts, _ := newTestServer(t, runner)

			rec := serve(t, ts.routes(), http.MethodPost, "/sync?source="+url.QueryEscape(tt.source), "")
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.source, runner.location)
				return
			}
			assert.Empty(t, runner.location)
			assert.JSONEq(t, `{"error":"source not allowed"}`, rec.Body.String())
		})
	}
}

func TestServe_SyncSourceNoPrefixes(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)
	ts.sources = nil

	rec := serve(t, ts.routes(), http.MethodPost, "/sync?source="+url.QueryEscape("https://www.data.go.kr/ltc/a.csv"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.location)

	rec = serve(t, ts.routes(), http.MethodPost, "/sync?source=sample", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseSources(t *testing.T) {
	_, err := parseSources([]string{"https://www.data.go.kr/", "ftp://files.example.org/ltc/"})
	require.NoError(t, err)

	for _, bad := range []string{"/var/data", "file:///var/data", "gopher://x/"} {
		_, err := parseSources([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestServe_Backfill(t *testing.T) {
	runner := &fakeRunner{}
	ts, _ := newTestServer(t, runner)
	h := ts.routes()

	rec := serve(t, h, http.MethodPost, "/backfill?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runner.limit)
	assert.JSONEq(t, `{"updated":2,"failed":1,"total":3}`, rec.Body.String())

	rec = serve(t, h, http.MethodPost, "/backfill?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_CORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodOptions, "/sync", nil)
	req.Header.Set("Origin", "https://dashboard.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.routes().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_NotFound(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRunner{})
	rec := serve(t, ts.routes(), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
