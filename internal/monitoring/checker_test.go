package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caremap/caremap-sync/internal/config"
	"github.com/caremap/caremap-sync/internal/model"
)

func newWebhook(t *testing.T, status *atomic.Int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(ts.Close)
	return ts, &received
}

func newTestChecker(st *mockStore, webhook string) *Checker {
	cfg := config.MonitoringConfig{
		WebhookURL:            webhook,
		LookbackWindowHours:   24,
		MinCoordinateCoverage: 90,
	}
	collector := NewCollector(st)
	collector.now = func() time.Time { return collectNow }
	return NewChecker(collector, fastAlerter(cfg), cfg)
}

func TestChecker_CheckDeliversOnlyNewAlerts(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	ts, received := newWebhook(t, &status)

	st := &mockStore{coords: model.NewCoordinateStats(10, 5)}
	checker := newTestChecker(st, ts.URL)
	ctx := context.Background()

	assert.Equal(t, 1, checker.Check(ctx))
	// Still firing: not delivered again.
	assert.Equal(t, 0, checker.Check(ctx))
	assert.Equal(t, int32(1), received.Load())

	// Cleared, then firing again.
	st.coords = model.NewCoordinateStats(10, 10)
	assert.Equal(t, 0, checker.Check(ctx))
	st.coords = model.NewCoordinateStats(10, 4)
	assert.Equal(t, 1, checker.Check(ctx))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CheckRetriesUndeliveredAlerts(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	ts, received := newWebhook(t, &status)

	checker := newTestChecker(&mockStore{coords: model.NewCoordinateStats(10, 5)}, ts.URL)
	ctx := context.Background()

	assert.Equal(t, 0, checker.Check(ctx))

	status.Store(http.StatusOK)
	assert.Equal(t, 1, checker.Check(ctx))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CheckCollectFailure(t *testing.T) {
	checker := newTestChecker(&mockStore{listErr: errors.New("down")}, "http://127.0.0.1:1")
	assert.Zero(t, checker.Check(context.Background()))
}

func TestChecker_RunChecksImmediatelyAndStops(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	ts, received := newWebhook(t, &status)

	checker := newTestChecker(&mockStore{coords: model.NewCoordinateStats(10, 5)}, ts.URL)
	checker.cfg.CheckIntervalSecs = 3600

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_RunCancelledBeforeStart(t *testing.T) {
	checker := newTestChecker(&mockStore{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
