package processor

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"rentintel/server/internal/database"
	"rentintel/server/internal/models"
	"rentintel/server/internal/stats"
	"rentintel/server/internal/telemetry"
)

// MaintenanceStore is what the daily sweep needs from storage.
type MaintenanceStore interface {
	MarkStale(ctx context.Context, thresholdDays int) (int64, error)
	DistinctAreas(ctx context.Context) ([]string, error)
}

// Maintenance expires stale listings and refreshes every area's metrics.
type Maintenance struct {
	store     MaintenanceStore
	trigger   *stats.Trigger
	staleDays int
	logger    *logrus.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewMaintenance(store MaintenanceStore, trigger *stats.Trigger, staleDays int, logger *logrus.Logger, metrics *telemetry.Metrics) *Maintenance {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Maintenance{
		store:     store,
		trigger:   trigger,
		staleDays: staleDays,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunMaintenance marks stale listings inactive, then refreshes the metrics of
// every known area for today. It is safe to run on any cadence.
func (m *Maintenance) RunMaintenance(ctx context.Context) models.MaintenanceReport {
	report := models.MaintenanceReport{
		Status:    models.RunStatusCompleted,
		StartedAt: m.now(),
		Errors:    []models.RecordError{},
	}

	marked, err := m.store.MarkStale(ctx, m.staleDays)
	if err != nil {
		m.logger.WithError(err).Error("Stale listing sweep failed")
		report.Status = models.RunStatusFailed
		report.Errors = append(report.Errors, models.RecordError{
			Kind:    models.ErrorKindStorageUnavailable,
			Message: err.Error(),
		})
	} else {
		report.StaleMarked = marked
		m.metrics.StaleListingsMarked.Add(float64(marked))
	}

	areas, err := m.store.DistinctAreas(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list areas for refresh")
		report.Status = models.RunStatusFailed
		report.Errors = append(report.Errors, models.RecordError{
			Kind:    models.ErrorKindStorageUnavailable,
			Message: err.Error(),
		})
	} else {
		report.AreasTotal = len(areas)
		if m.trigger != nil {
			refreshed := m.trigger.Refresh(ctx, areas, m.now().Format(database.DateLayout))
			report.AreasRefreshed = refreshed.Refreshed
			report.Errors = append(report.Errors, refreshed.Errors...)
		}
	}

	report.FinishedAt = m.now()
	m.logger.WithFields(logrus.Fields{
		"status":          report.Status,
		"stale_days":      m.staleDays,
		"stale_marked":    report.StaleMarked,
		"areas_total":     report.AreasTotal,
		"areas_refreshed": report.AreasRefreshed,
		"errors":          len(report.Errors),
	}).Info("Maintenance finished")

	return report
}
