package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"rentintel/server/internal/database"
	"rentintel/server/internal/models"
	"rentintel/server/internal/stats"
	"rentintel/server/internal/telemetry"
)

// EngineConfig tunes RunIngestion.
type EngineConfig struct {
	// MaxRetries is how often a batch aborted by storage loss is re-run.
	MaxRetries int
	RetryDelay time.Duration
	// RefreshOnIngest refreshes the metrics of every area a batch touched.
	RefreshOnIngest bool
}

// Engine turns raw listings into properties, listings and price observations.
type Engine struct {
	repo     database.Repository
	trigger  *stats.Trigger
	cfg      EngineConfig
	validate *validator.Validate
	logger   *logrus.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func NewEngine(repo database.Repository, trigger *stats.Trigger, cfg EngineConfig, logger *logrus.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Engine{
		repo:     repo,
		trigger:  trigger,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type batchOutcome struct {
	inserted     int
	updated      int
	priceChanges int
	changeTypes  map[models.ChangeType]int
	outcomes     map[models.RecordOutcome]int
	areas        map[string]bool
	errors       []models.RecordError
}

func newBatchOutcome() batchOutcome {
	return batchOutcome{
		changeTypes: make(map[models.ChangeType]int),
		outcomes: map[models.RecordOutcome]int{
			models.OutcomeSuccess:  0,
			models.OutcomeDegraded: 0,
			models.OutcomeFailed:   0,
		},
		areas: make(map[string]bool),
	}
}

func (b *batchOutcome) fail(rec models.RawListing, kind models.ErrorKind, err error) {
	b.outcomes[models.OutcomeFailed]++
	b.errors = append(b.errors, models.RecordError{
		Kind:     kind,
		Source:   rec.Source,
		Region:   rec.Region,
		City:     rec.City,
		SourceID: rec.SourceID,
		Area:     rec.PostalCode,
		Message:  err.Error(),
	})
}

type recordResult struct {
	listingCreated bool
	price          models.PriceResult
}

// RunIngestion ingests one batch of records from source as a single unit and
// always returns a report.
//
// Each record runs in its own savepoint: a record that fails validation or
// hits a constraint is skipped and recorded. Losing the store aborts and
// rolls back the whole batch, which is then retried up to MaxRetries times.
// The run log row is closed whatever the outcome.
func (e *Engine) RunIngestion(ctx context.Context, source string, records []models.RawListing) (report models.RunReport) {
	report = models.RunReport{
		Source:    source,
		Status:    models.RunStatusRunning,
		StartedAt: e.now(),
		Scanned:   len(records),
		Outcomes: map[models.RecordOutcome]int{
			models.OutcomeSuccess:  0,
			models.OutcomeDegraded: 0,
			models.OutcomeFailed:   0,
		},
		AreasTouched: []string{},
		Errors:       []models.RecordError{},
	}
	logger := e.logger.WithFields(logrus.Fields{
		"source":  source,
		"records": len(records),
	})

	run, err := e.repo.StartRun(ctx, source)
	if err != nil {
		logger.WithError(err).Error("Failed to open ingestion run")
		report.Status = models.RunStatusFailed
		report.Outcomes[models.OutcomeFailed] = len(records)
		report.Errors = append(report.Errors, models.RecordError{
			Kind:    models.ErrorKindStorageUnavailable,
			Source:  source,
			Message: err.Error(),
		})
		report.FinishedAt = e.now()
		e.metrics.IngestionRuns.WithLabelValues(source, string(report.Status)).Inc()
		return report
	}
	report.RunID = run.ID
	logger = logger.WithField("run_id", run.ID)

	defer func() {
		report.FinishedAt = e.now()
		run.RecordsScanned = report.Scanned
		run.RecordsInserted = report.Inserted
		run.RecordsUpdated = report.Updated
		run.PriceChanges = report.PriceChanges
		run.Status = report.Status
		run.Errors = database.EncodeErrors(report.Errors)

		if err := e.repo.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			logger.WithError(err).Error("Failed to close ingestion run")
			report.Errors = append(report.Errors, models.RecordError{
				Kind:    models.ErrorKindStorageUnavailable,
				Source:  source,
				Message: err.Error(),
			})
		}

		e.metrics.IngestionRuns.WithLabelValues(source, string(report.Status)).Inc()
		logger.WithFields(logrus.Fields{
			"status":        report.Status,
			"inserted":      report.Inserted,
			"updated":       report.Updated,
			"price_changes": report.PriceChanges,
			"errors":        len(report.Errors),
		}).Info("Ingestion run finished")
	}()

	var out batchOutcome
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Infof("Retrying batch, attempt %d of %d", attempt, e.cfg.MaxRetries)
			if !sleep(ctx, e.cfg.RetryDelay) {
				break
			}
		}

		out, err = e.processBatch(ctx, source, records)
		if err == nil || !errors.Is(err, database.ErrStorageUnavailable) || ctx.Err() != nil {
			break
		}
		logger.WithError(err).Warn("Batch aborted by storage failure")
	}

	if err != nil {
		kind := models.ErrorKindStorageUnavailable
		if ctx.Err() != nil {
			kind = models.ErrorKindCancelled
		}
		report.Status = models.RunStatusFailed
		report.Outcomes[models.OutcomeFailed] = len(records)
		report.Errors = append(report.Errors, models.RecordError{
			Kind:    kind,
			Source:  source,
			Message: fmt.Sprintf("batch rolled back: %v", err),
		})
		e.metrics.RecordsIngested.WithLabelValues(source, string(models.OutcomeFailed)).Add(float64(len(records)))
		return report
	}

	report.Status = models.RunStatusCompleted
	report.Inserted = out.inserted
	report.Updated = out.updated
	report.PriceChanges = out.priceChanges
	report.Errors = append(report.Errors, out.errors...)
	for outcome, n := range out.outcomes {
		report.Outcomes[outcome] = n
		e.metrics.RecordsIngested.WithLabelValues(source, string(outcome)).Add(float64(n))
	}
	for changeType, n := range out.changeTypes {
		e.metrics.PriceChanges.WithLabelValues(string(changeType)).Add(float64(n))
	}
	for area := range out.areas {
		report.AreasTouched = append(report.AreasTouched, area)
	}
	sort.Strings(report.AreasTouched)

	if e.cfg.RefreshOnIngest && e.trigger != nil && len(report.AreasTouched) > 0 {
		refreshed := e.trigger.Refresh(ctx, report.AreasTouched, e.now().Format(database.DateLayout))
		report.AreasRefreshed = refreshed.Refreshed
		report.Errors = append(report.Errors, refreshed.Errors...)
	}

	return report
}

// processBatch runs one attempt. Only storage loss escapes as an error.
func (e *Engine) processBatch(ctx context.Context, source string, records []models.RawListing) (batchOutcome, error) {
	var out batchOutcome

	err := e.repo.Transaction(ctx, func(tx database.Repository) error {
		out = newBatchOutcome()

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", database.ErrStorageUnavailable, err)
			}

			rec.Source = source
			if err := e.validate.Struct(rec); err != nil {
				out.fail(rec, models.ErrorKindInvalidRecord, err)
				continue
			}

			var res recordResult
			err := tx.Transaction(ctx, func(rtx database.Repository) error {
				var err error
				res, err = e.ingestRecord(ctx, rtx, rec)
				return err
			})
			if err != nil {
				if errors.Is(err, database.ErrStorageUnavailable) {
					return err
				}
				out.fail(rec, recordErrorKind(err), err)
				e.logger.WithFields(logrus.Fields{
					"source":    source,
					"source_id": rec.SourceID,
				}).WithError(err).Warn("Skipping record")
				continue
			}

			if res.listingCreated {
				out.inserted++
			} else {
				out.updated++
			}
			if res.price.Written {
				out.priceChanges++
				out.changeTypes[res.price.ChangeType]++
			}
			if rec.Degraded() || rec.Rent == nil {
				out.outcomes[models.OutcomeDegraded]++
			} else {
				out.outcomes[models.OutcomeSuccess]++
			}
			out.areas[rec.PostalCode] = true
		}
		return nil
	})

	return out, err
}

func (e *Engine) ingestRecord(ctx context.Context, repo database.Repository, rec models.RawListing) (recordResult, error) {
	property, err := repo.UpsertProperty(ctx, database.PropertyFields{
		Street:       rec.Street,
		City:         rec.City,
		Region:       rec.Region,
		PostalCode:   rec.PostalCode,
		PropertyType: rec.PropertyType,
		Bedrooms:     rec.Bedrooms,
		Bathrooms:    rec.Bathrooms,
		SquareFeet:   rec.SquareFeet,
	})
	if err != nil {
		return recordResult{}, err
	}

	listing, err := repo.UpsertListing(ctx, database.ListingFields{
		PropertyID: property.ID,
		Source:     rec.Source,
		SourceID:   rec.SourceID,
		URL:        rec.URL,
	})
	if err != nil {
		return recordResult{}, err
	}

	res := recordResult{listingCreated: listing.Created}
	if rec.Rent != nil {
		res.price, err = repo.RecordPrice(ctx, listing.ID, *rec.Rent)
		if err != nil {
			return recordResult{}, err
		}
	}
	return res, nil
}

func recordErrorKind(err error) models.ErrorKind {
	if errors.Is(err, database.ErrIncompleteAddress) {
		return models.ErrorKindInvalidRecord
	}
	return models.ErrorKindConflict
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
