package processor

import (
	"context"

	"github.com/stretchr/testify/mock"

	"rentintel/server/internal/database"
	"rentintel/server/internal/models"
)

// MockRepository is a testify mock of database.Repository. Transaction calls
// straight through to fn unless an error is configured.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) UpsertProperty(ctx context.Context, f database.PropertyFields) (database.UpsertResult, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(database.UpsertResult), args.Error(1)
}

func (m *MockRepository) UpsertListing(ctx context.Context, f database.ListingFields) (database.UpsertResult, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(database.UpsertResult), args.Error(1)
}

func (m *MockRepository) RecordPrice(ctx context.Context, listingID int64, rent float64) (models.PriceResult, error) {
	args := m.Called(ctx, listingID, rent)
	return args.Get(0).(models.PriceResult), args.Error(1)
}

func (m *MockRepository) Transaction(ctx context.Context, fn func(database.Repository) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

func (m *MockRepository) StartRun(ctx context.Context, source string) (*models.IngestionRun, error) {
	args := m.Called(ctx, source)
	run, _ := args.Get(0).(*models.IngestionRun)
	return run, args.Error(1)
}

func (m *MockRepository) FinishRun(ctx context.Context, run *models.IngestionRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) RunIngestion(ctx context.Context, source string, records []models.RawListing) models.RunReport {
	args := m.Called(ctx, source, records)
	return args.Get(0).(models.RunReport)
}

type MockMaintenanceStore struct {
	mock.Mock
}

func (m *MockMaintenanceStore) MarkStale(ctx context.Context, thresholdDays int) (int64, error) {
	args := m.Called(ctx, thresholdDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMaintenanceStore) DistinctAreas(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	areas, _ := args.Get(0).([]string)
	return areas, args.Error(1)
}

type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) RefreshAreaMetrics(ctx context.Context, area, asOf string) error {
	args := m.Called(ctx, area, asOf)
	return args.Error(0)
}
