package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/caremap/caremap-sync/internal/fetcher"
	"github.com/caremap/caremap-sync/internal/model"
	"github.com/caremap/caremap-sync/pkg/geocode"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) EnsureSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) UpsertOne(ctx context.Context, rec model.Record) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) SyncBatch(ctx context.Context, records []model.Record) model.SyncReport {
	return m.Called(ctx, records).Get(0).(model.SyncReport)
}

func (m *mockStore) Statistics(ctx context.Context) (*model.Statistics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Statistics), args.Error(1)
}

func (m *mockStore) HistoryStats(ctx context.Context, since time.Time) (*model.HistoryStats, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HistoryStats), args.Error(1)
}

func (m *mockStore) CoordinateStats(ctx context.Context) (*model.CoordinateStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CoordinateStats), args.Error(1)
}

func (m *mockStore) GetInstitution(ctx context.Context, code string) (*model.Institution, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Institution), args.Error(1)
}

func (m *mockStore) History(ctx context.Context, code string) ([]model.History, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.History), args.Error(1)
}

func (m *mockStore) MissingCoordinates(ctx context.Context, limit int) ([]model.Institution, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Institution), args.Error(1)
}

func (m *mockStore) UpdateCoordinates(ctx context.Context, id int64, c model.Coordinates) error {
	return m.Called(ctx, id, c).Error(0)
}

func (m *mockStore) KnownCoordinates(ctx context.Context, addresses []string) (map[string]model.Coordinates, error) {
	args := m.Called(ctx, addresses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.Coordinates), args.Error(1)
}

func (m *mockStore) StartRun(ctx context.Context, source string) (*model.SyncRun, error) {
	args := m.Called(ctx, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncRun), args.Error(1)
}

func (m *mockStore) CompleteRun(ctx context.Context, id string, report model.SyncReport) error {
	return m.Called(ctx, id, report).Error(0)
}

func (m *mockStore) FailRun(ctx context.Context, id string, report model.SyncReport, runErr error) error {
	return m.Called(ctx, id, report, runErr).Error(0)
}

func (m *mockStore) ListRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SyncRun), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

// --- Geocoder Mock ---

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Resolve(ctx context.Context, address string) geocode.Result {
	return m.Called(ctx, address).Get(0).(geocode.Result)
}

func (m *mockGeocoder) ResolveBatch(ctx context.Context, addresses []string, delay time.Duration) map[string]*model.Coordinates {
	args := m.Called(ctx, addresses, delay)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]*model.Coordinates)
}

// --- Loader Mock ---

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(ctx context.Context, location string, opts fetcher.Options) (*fetcher.Batch, error) {
	args := m.Called(ctx, location, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetcher.Batch), args.Error(1)
}
