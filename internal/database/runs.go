package database

import (
	"context"
	"encoding/json"
	"fmt"

	"rentintel/server/internal/models"
)

// StartRun records the start of an ingestion run.
func (s *Store) StartRun(ctx context.Context, source string) (*models.IngestionRun, error) {
	run := &models.IngestionRun{
		Source:   source,
		RunStart: s.now(),
		Status:   models.RunStatusRunning,
		Errors:   "[]",
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to start ingestion run: %w", Classify(err))
	}
	return run, nil
}

// FinishRun stamps the run end time and persists its final counters.
func (s *Store) FinishRun(ctx context.Context, run *models.IngestionRun) error {
	end := s.now()
	run.RunEnd = &end
	if run.Errors == "" {
		run.Errors = "[]"
	}

	err := s.db.WithContext(ctx).Model(&models.IngestionRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"run_end":          end,
			"records_scanned":  run.RecordsScanned,
			"records_inserted": run.RecordsInserted,
			"records_updated":  run.RecordsUpdated,
			"price_changes":    run.PriceChanges,
			"errors":           run.Errors,
			"status":           run.Status,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finish ingestion run %d: %w", run.ID, Classify(err))
	}
	return nil
}

// EncodeErrors serialises a run's error list for storage.
func EncodeErrors(errs []models.RecordError) string {
	if len(errs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.IngestionRun
	if err := s.db.WithContext(ctx).Order("run_start DESC").Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, Classify(err)
	}
	return runs, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*models.IngestionRun, error) {
	var run models.IngestionRun
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&run)
	if result.Error != nil {
		return nil, Classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return &run, nil
}
