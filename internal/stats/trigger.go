package stats

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"rentintel/server/internal/models"
	"rentintel/server/internal/telemetry"
)

// Refresher recomputes the aggregate statistics of one area for one date.
type Refresher interface {
	RefreshAreaMetrics(ctx context.Context, area, asOf string) error
}

// RefreshResult reports one Refresh call.
type RefreshResult struct {
	Requested int                  `json:"requested"`
	Refreshed int                  `json:"refreshed"`
	Errors    []models.RecordError `json:"errors"`
}

// Trigger decides which areas to refresh and isolates per-area failures.
type Trigger struct {
	refresher Refresher
	logger    *logrus.Logger
	metrics   *telemetry.Metrics
}

func NewTrigger(refresher Refresher, logger *logrus.Logger, metrics *telemetry.Metrics) *Trigger {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Trigger{
		refresher: refresher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Refresh refreshes every distinct non-empty area. A failing area is logged
// and recorded, and the remaining areas are still refreshed. Once ctx is done
// the areas not yet attempted are recorded as cancelled.
func (t *Trigger) Refresh(ctx context.Context, areas []string, asOf string) RefreshResult {
	pending := uniqueAreas(areas)
	result := RefreshResult{Requested: len(pending)}

	for i, area := range pending {
		if err := ctx.Err(); err != nil {
			for _, skipped := range pending[i:] {
				result.Errors = append(result.Errors, models.RecordError{
					Kind:    models.ErrorKindCancelled,
					Area:    skipped,
					Message: err.Error(),
				})
			}
			break
		}

		if err := t.refresher.RefreshAreaMetrics(ctx, area, asOf); err != nil {
			t.logger.WithFields(logrus.Fields{
				"area":  area,
				"as_of": asOf,
			}).WithError(err).Warn("Failed to refresh area metrics")
			t.metrics.AreaRefreshes.WithLabelValues("failed").Inc()
			result.Errors = append(result.Errors, models.RecordError{
				Kind:    models.ErrorKindStorageUnavailable,
				Area:    area,
				Message: err.Error(),
			})
			continue
		}

		t.metrics.AreaRefreshes.WithLabelValues("ok").Inc()
		result.Refreshed++
	}

	t.logger.WithFields(logrus.Fields{
		"as_of":     asOf,
		"requested": result.Requested,
		"refreshed": result.Refreshed,
		"failed":    len(result.Errors),
	}).Info("Area metrics refresh finished")

	return result
}

func uniqueAreas(areas []string) []string {
	seen := make(map[string]bool, len(areas))
	out := make([]string, 0, len(areas))
	for _, a := range areas {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
