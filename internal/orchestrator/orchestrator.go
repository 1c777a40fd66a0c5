package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rentintel/server/config"
	"rentintel/server/internal/collector"
	"rentintel/server/internal/models"
	"rentintel/server/internal/telemetry"
)

const (
	DefaultMaxConcurrency = 5
	DefaultCallTimeout    = 2 * time.Minute
)

// BatchHandler receives the listings of every successfully collected city.
type BatchHandler func(ctx context.Context, batch models.Batch) error

// RegionResult is the outcome of one (source, region) task.
type RegionResult struct {
	Source          string        `json:"source"`
	Region          string        `json:"region"`
	Listings        int           `json:"listings"`
	CitiesCollected int           `json:"cities_collected"`
	CitiesFailed    int           `json:"cities_failed"`
	Duration        time.Duration `json:"duration"`
}

// Result is the merged outcome of CollectAll.
type Result struct {
	RunID           string                  `json:"run_id"`
	Status          models.CollectionStatus `json:"status"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at"`
	PerRegion       map[string]int          `json:"per_region"`
	Regions         []RegionResult          `json:"regions"`
	TotalListings   int                     `json:"total_listings"`
	RegionsWithData int                     `json:"regions_with_data"`
	RegionsTotal    int                     `json:"regions_total"`
	Errors          []models.RecordError    `json:"errors"`
}

type Option func(*Orchestrator)

// WithCallTimeout bounds every collector and handler call.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithBatchHandler forwards each city's listings to h.
func WithBatchHandler(h BatchHandler) Option {
	return func(o *Orchestrator) {
		o.handler = h
	}
}

// Orchestrator fans collection out over regions with bounded concurrency.
type Orchestrator struct {
	collectors  []collector.Collector
	handler     BatchHandler
	callTimeout time.Duration
	logger      *logrus.Logger
	metrics     *telemetry.Metrics

	mu     sync.RWMutex
	status models.CollectionStatus
}

func New(collectors []collector.Collector, logger *logrus.Logger, metrics *telemetry.Metrics, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}

	o := &Orchestrator{
		collectors:  collectors,
		callTimeout: DefaultCallTimeout,
		logger:      logger,
		metrics:     metrics,
		status:      models.CollectionIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the state of the current or last run.
func (o *Orchestrator) Status() models.CollectionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) setStatus(s models.CollectionStatus) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

type task struct {
	collector collector.Collector
	region    config.Region
}

type taskResult struct {
	region RegionResult
	errors []models.RecordError
}

// CollectAll runs one task per (collector, region), at most maxConcurrency at
// a time. Cities inside a task are collected one after another. Failures are
// recorded and never stop sibling work.
//
// Cancelling ctx stops dispatching: tasks not yet started and cities not yet
// reached are recorded as cancelled. A collector call already in flight is
// left to finish, bounded by the call timeout.
func (o *Orchestrator) CollectAll(ctx context.Context, regions []config.Region, maxConcurrency int) Result {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	result := Result{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		PerRegion:    make(map[string]int, len(regions)),
		RegionsTotal: len(regions),
	}
	for _, r := range regions {
		result.PerRegion[r.Code] = 0
	}

	logger := o.logger.WithField("run_id", result.RunID)
	logger.WithFields(logrus.Fields{
		"regions":         len(regions),
		"collectors":      len(o.collectors),
		"max_concurrency": maxConcurrency,
	}).Info("Starting collection")

	o.setStatus(models.CollectionDispatching)

	var tasks []task
	for _, c := range o.collectors {
		for _, r := range regions {
			tasks = append(tasks, task{collector: c, region: r})
		}
	}

	results := make([]taskResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	// g.Go blocks once maxConcurrency tasks are in flight, so workers are
	// already collecting while the rest are dispatched.
	o.setStatus(models.CollectionCollecting)
	ctx = collector.WithRun(ctx, result.RunID)
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = cancelledTask(tasks[j], err)
			}
			logger.WithField("skipped_tasks", len(tasks)-i).Warn("Collection cancelled, not dispatching remaining regions")
			break
		}
		i, t := i, t
		g.Go(func() error {
			results[i] = o.runTask(ctx, result.RunID, t)
			return nil
		})
	}

	_ = g.Wait()

	o.setStatus(models.CollectionMerging)
	for _, tr := range results {
		result.Regions = append(result.Regions, tr.region)
		result.PerRegion[tr.region.Region] += tr.region.Listings
		result.TotalListings += tr.region.Listings
		result.Errors = append(result.Errors, tr.errors...)
	}
	for _, count := range result.PerRegion {
		if count > 0 {
			result.RegionsWithData++
		}
	}

	result.Status = models.CollectionDone
	if len(result.Errors) > 0 {
		result.Status = models.CollectionPartiallyFailed
	}
	result.FinishedAt = time.Now().UTC()
	o.setStatus(result.Status)

	logger.WithFields(logrus.Fields{
		"status":            result.Status,
		"total_listings":    result.TotalListings,
		"regions_with_data": result.RegionsWithData,
		"regions_total":     result.RegionsTotal,
		"errors":            len(result.Errors),
		"duration":          result.FinishedAt.Sub(result.StartedAt).String(),
	}).Info("Collection finished")

	return result
}

func cancelledTask(t task, cause error) taskResult {
	res := taskResult{region: RegionResult{Source: t.collector.Source(), Region: t.region.Code}}
	for _, city := range t.region.Cities {
		res.region.CitiesFailed++
		res.errors = append(res.errors, models.RecordError{
			Kind:    models.ErrorKindCancelled,
			Source:  t.collector.Source(),
			Region:  t.region.Code,
			City:    city.Name,
			Message: cause.Error(),
		})
	}
	return res
}

func (o *Orchestrator) runTask(ctx context.Context, runID string, t task) taskResult {
	source := t.collector.Source()
	res := taskResult{region: RegionResult{Source: source, Region: t.region.Code}}
	logger := o.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"source": source,
		"region": t.region.Code,
	})

	start := time.Now()

	for i, city := range t.region.Cities {
		if err := ctx.Err(); err != nil {
			skipped := cancelledTask(task{collector: t.collector, region: config.Region{
				Code:   t.region.Code,
				Cities: t.region.Cities[i:],
			}}, err)
			res.region.CitiesFailed += skipped.region.CitiesFailed
			res.errors = append(res.errors, skipped.errors...)
			logger.WithField("skipped_cities", len(t.region.Cities)-i).Warn("Region task cancelled")
			break
		}

		listings, err := o.collectCity(ctx, t, city)
		if err != nil {
			kind := errorKind(err)
			res.region.CitiesFailed++
			res.errors = append(res.errors, models.RecordError{
				Kind:    kind,
				Source:  source,
				Region:  t.region.Code,
				City:    city.Name,
				Message: err.Error(),
			})
			o.metrics.CollectionErrors.WithLabelValues(source, t.region.Code, string(kind)).Inc()
			logger.WithField("city", city.Name).WithError(err).Warn("City collection failed, continuing with next city")
			continue
		}

		res.region.CitiesCollected++
		res.region.Listings += len(listings)
		o.metrics.ListingsCollected.WithLabelValues(source, t.region.Code).Add(float64(len(listings)))

		if o.handler == nil || len(listings) == 0 {
			continue
		}
		if err := o.handOff(ctx, models.Batch{
			Source:   source,
			Region:   t.region.Code,
			City:     city.Name,
			Listings: listings,
		}); err != nil {
			res.errors = append(res.errors, models.RecordError{
				Kind:    models.ErrorKindHandoff,
				Source:  source,
				Region:  t.region.Code,
				City:    city.Name,
				Message: err.Error(),
			})
			o.metrics.CollectionErrors.WithLabelValues(source, t.region.Code, string(models.ErrorKindHandoff)).Inc()
			logger.WithField("city", city.Name).WithError(err).Error("Failed to hand off collected batch")
		}
	}

	res.region.Duration = time.Since(start)
	o.metrics.CollectionDuration.WithLabelValues(source).Observe(res.region.Duration.Seconds())

	logger.WithFields(logrus.Fields{
		"listings":         res.region.Listings,
		"cities_collected": res.region.CitiesCollected,
		"cities_failed":    res.region.CitiesFailed,
	}).Info("Region task finished")

	return res
}

// collectCity runs one collector call detached from run cancellation.
func (o *Orchestrator) collectCity(ctx context.Context, t task, city config.City) (listings []models.RawListing, err error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			listings = nil
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()

	return t.collector.Collect(callCtx, t.region, city)
}

func (o *Orchestrator) handOff(ctx context.Context, batch models.Batch) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()
	return o.handler(callCtx, batch)
}

func errorKind(err error) models.ErrorKind {
	switch {
	case errors.Is(err, collector.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTransientIO
	default:
		return models.ErrorKindCollection
	}
}
