package processor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"rentintel/server/config"
	"rentintel/server/internal/models"
	"rentintel/server/internal/queue"
)

// Ingester runs one ingestion batch.
type Ingester interface {
	RunIngestion(ctx context.Context, source string, records []models.RawListing) models.RunReport
}

// ProcessorStats totals the reports of every processed batch.
type ProcessorStats struct {
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Scanned       int `json:"scanned"`
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	PriceChanges  int `json:"price_changes"`
}

// BatchProcessor feeds queued batches to the ingestion engine
type BatchProcessor struct {
	engine    Ingester
	logger    *logrus.Logger
	config    *config.Config
	queue     *queue.BatchQueue
	waitGroup sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.Mutex
	stats ProcessorStats
}

// NewBatchProcessor creates a new batch processor instance
func NewBatchProcessor(engine Ingester, queue *queue.BatchQueue, config *config.Config, logger *logrus.Logger) *BatchProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchProcessor{
		engine: engine,
		queue:  queue,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the configured number of workers
func (p *BatchProcessor) Start() {
	workers := p.config.BatchProcessing.ProcessorCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.waitGroup.Add(1)
		go p.processLoop()
	}
}

// Stop closes the queue, waits for queued batches to be ingested and shuts
// the workers down.
func (p *BatchProcessor) Stop() {
	p.queue.Close()
	p.waitGroup.Wait()
	p.cancel()
}

// Abort cancels in-flight ingestion and then stops.
func (p *BatchProcessor) Abort() {
	p.cancel()
	p.Stop()
}

// Stats returns totals for the batches processed so far.
func (p *BatchProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *BatchProcessor) processLoop() {
	defer p.waitGroup.Done()
	p.queue.Consume(p.processBatch)
}

// processBatch ingests one batch; retries happen inside the engine.
func (p *BatchProcessor) processBatch(batch models.Batch) error {
	report := p.engine.RunIngestion(p.ctx, batch.Source, batch.Listings)

	p.mu.Lock()
	p.stats.Batches++
	p.stats.Scanned += report.Scanned
	p.stats.Inserted += report.Inserted
	p.stats.Updated += report.Updated
	p.stats.PriceChanges += report.PriceChanges
	if report.Status == models.RunStatusFailed {
		p.stats.FailedBatches++
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"source":        batch.Source,
		"region":        batch.Region,
		"city":          batch.City,
		"run_id":        report.RunID,
		"status":        report.Status,
		"inserted":      report.Inserted,
		"updated":       report.Updated,
		"price_changes": report.PriceChanges,
	}).Info("Processed batch")

	if report.Status == models.RunStatusFailed {
		return fmt.Errorf("failed to process batch for %s/%s: %d errors", batch.Region, batch.City, len(report.Errors))
	}
	return nil
}
