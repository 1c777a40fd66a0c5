package queue

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"rentintel/server/internal/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// BatchQueue hands collected batches from the orchestrator to ingestion
// workers.
type BatchQueue struct {
	items     chan models.Batch
	done      chan struct{}
	maxSize   int
	closed    bool
	closeOnce sync.Once
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// NewBatchQueue creates a queue holding at most bufferSize batches
func NewBatchQueue(bufferSize int, logger *logrus.Logger) *BatchQueue {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &BatchQueue{
		items:   make(chan models.Batch, bufferSize),
		done:    make(chan struct{}),
		maxSize: bufferSize,
		logger:  logger,
	}
}

// Push adds a batch, waiting for room until ctx is done or the queue closes.
func (q *BatchQueue) Push(ctx context.Context, batch models.Batch) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- batch:
		q.logBatch(batch)
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush adds a batch without waiting.
func (q *BatchQueue) TryPush(batch models.Batch) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- batch:
		q.logBatch(batch)
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *BatchQueue) logBatch(batch models.Batch) {
	q.logger.WithFields(logrus.Fields{
		"source":     batch.Source,
		"region":     batch.Region,
		"city":       batch.City,
		"batch_size": len(batch.Listings),
	}).Debug("Pushed batch to queue")
}

// Consume calls handler for every batch until the queue is closed and
// drained. Several goroutines may consume the same queue.
func (q *BatchQueue) Consume(handler func(models.Batch) error) {
	for batch := range q.items {
		if err := handler(batch); err != nil {
			q.logger.WithFields(logrus.Fields{
				"source": batch.Source,
				"region": batch.Region,
				"city":   batch.City,
			}).WithError(err).Error("Handler failed to process batch")
		}
	}
}

// Close rejects further pushes. Batches already queued are still delivered.
func (q *BatchQueue) Close() error {
	q.closeOnce.Do(func() {
		// Wake blocked pushers before taking the write lock they hold.
		close(q.done)

		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
	return nil
}

// Len returns the current number of batches in the queue
func (q *BatchQueue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *BatchQueue) Cap() int {
	return q.maxSize
}

// IsClosed returns whether the queue has been closed
func (q *BatchQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
