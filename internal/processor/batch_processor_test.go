package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rentintel/server/config"
	"rentintel/server/internal/models"
	"rentintel/server/internal/queue"
)

func setupTestConfig(workers int) *config.Config {
	cfg := &config.Config{}
	cfg.BatchProcessing.ProcessorCount = workers
	cfg.BatchProcessing.QueueSize = 10
	return cfg
}

func testBatch(city string, n int) models.Batch {
	listings := make([]models.RawListing, n)
	for i := range listings {
		listings[i] = rawListing(city+string(rune('a'+i)), "1 A St", "78701", nil)
	}
	return models.Batch{Source: "craigslist", Region: "TX", City: city, Listings: listings}
}

func TestBatchProcessor_ProcessBatch(t *testing.T) {
	tests := []struct {
		name    string
		report  models.RunReport
		wantErr bool
		want    ProcessorStats
	}{
		{
			name:   "completed batch",
			report: models.RunReport{Status: models.RunStatusCompleted, Scanned: 2, Inserted: 1, Updated: 1, PriceChanges: 1},
			want:   ProcessorStats{Batches: 1, Scanned: 2, Inserted: 1, Updated: 1, PriceChanges: 1},
		},
		{
			name:    "failed batch",
			report:  models.RunReport{Status: models.RunStatusFailed, Scanned: 2},
			wantErr: true,
			want:    ProcessorStats{Batches: 1, FailedBatches: 1, Scanned: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := new(MockIngester)
			batch := testBatch("austin", 2)
			engine.On("RunIngestion", mock.Anything, "craigslist", batch.Listings).Return(tt.report)

			p := NewBatchProcessor(engine, queue.NewBatchQueue(1, nil), setupTestConfig(1), nil)
			err := p.processBatch(batch)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, p.Stats())
			engine.AssertExpectations(t)
		})
	}
}

func TestBatchProcessor_StopDrainsQueue(t *testing.T) {
	engine := new(MockIngester)
	engine.On("RunIngestion", mock.Anything, "craigslist", mock.Anything).
		Return(models.RunReport{Status: models.RunStatusCompleted, Scanned: 3, Inserted: 3})

	q := queue.NewBatchQueue(10, nil)
	p := NewBatchProcessor(engine, q, setupTestConfig(3), nil)
	p.Start()

	ctx := context.Background()
	for _, city := range []string{"austin", "dallas", "houston", "el paso", "waco"} {
		require.NoError(t, q.Push(ctx, testBatch(city, 3)))
	}

	p.Stop()

	stats := p.Stats()
	assert.Equal(t, 5, stats.Batches)
	assert.Equal(t, 15, stats.Inserted)
	assert.Zero(t, stats.FailedBatches)
	assert.Zero(t, q.Len())
	assert.ErrorIs(t, q.Push(ctx, testBatch("late", 1)), queue.ErrQueueClosed)
	engine.AssertNumberOfCalls(t, "RunIngestion", 5)
}

func TestBatchProcessor_AbortCancelsIngestion(t *testing.T) {
	engine := new(MockIngester)
	var seen context.Context
	engine.On("RunIngestion", mock.Anything, "craigslist", mock.Anything).
		Run(func(args mock.Arguments) { seen = args.Get(0).(context.Context) }).
		Return(models.RunReport{Status: models.RunStatusCompleted})

	q := queue.NewBatchQueue(1, nil)
	p := NewBatchProcessor(engine, q, setupTestConfig(1), nil)
	p.Start()
	require.NoError(t, q.Push(context.Background(), testBatch("austin", 1)))

	require.Eventually(t, func() bool { return p.Stats().Batches == 1 }, time.Second, 5*time.Millisecond)
	p.Abort()

	require.NotNil(t, seen)
	assert.ErrorIs(t, seen.Err(), context.Canceled)
}
