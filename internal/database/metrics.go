package database

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm/clause"

	"rentintel/server/internal/models"
)

// DistinctAreas lists every postal code that has at least one property.
func (s *Store) DistinctAreas(ctx context.Context) ([]string, error) {
	var areas []string
	if err := s.db.WithContext(ctx).Model(&models.Property{}).
		Distinct("postal_code").
		Order("postal_code").
		Pluck("postal_code", &areas).Error; err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", Classify(err))
	}
	return areas, nil
}

type latestPrice struct {
	ListingID    int64
	ObservedRent float64
	RentPerSqft  *float64
}

// RefreshAreaMetrics recomputes the statistics of one area for asOf from the
// latest observation of each active listing in it.
func (s *Store) RefreshAreaMetrics(ctx context.Context, area, asOf string) error {
	db := s.db.WithContext(ctx)

	var rows []latestPrice
	err := db.Table("price_observations AS po").
		Select("po.listing_id, po.observed_rent, po.rent_per_sqft").
		Joins("JOIN listings l ON l.id = po.listing_id").
		Joins("JOIN properties p ON p.id = l.property_id").
		Where("p.postal_code = ? AND l.status = ? AND po.observed_date <= ?", area, models.ListingStatusActive, asOf).
		Order("po.listing_id").Order("po.observed_date DESC").Order("po.id DESC").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load prices for area %s: %w", area, Classify(err))
	}

	metric := aggregate(rows)
	metric.AreaKey = area
	metric.MetricDate = asOf
	metric.UpdatedAt = s.now()

	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "area_key"}, {Name: "metric_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"median_rent", "average_rent", "average_rent_per_sqft", "active_listings", "updated_at",
		}),
	}).Create(&metric).Error
	if err != nil {
		return fmt.Errorf("failed to store metrics for area %s: %w", area, Classify(err))
	}
	return nil
}

// aggregate keeps the first row of each listing; rows arrive newest first.
func aggregate(rows []latestPrice) models.AreaMetric {
	var (
		rents     []float64
		perSqft   float64
		sqftCount int
		seen      = make(map[int64]bool, len(rows))
	)
	for _, r := range rows {
		if seen[r.ListingID] {
			continue
		}
		seen[r.ListingID] = true
		rents = append(rents, r.ObservedRent)
		if r.RentPerSqft != nil {
			perSqft += *r.RentPerSqft
			sqftCount++
		}
	}

	metric := models.AreaMetric{ActiveListings: len(rents)}
	if len(rents) == 0 {
		return metric
	}

	sort.Float64s(rents)
	var sum float64
	for _, r := range rents {
		sum += r
	}
	metric.AverageRent = sum / float64(len(rents))

	mid := len(rents) / 2
	if len(rents)%2 == 0 {
		metric.MedianRent = (rents[mid-1] + rents[mid]) / 2
	} else {
		metric.MedianRent = rents[mid]
	}

	if sqftCount > 0 {
		avg := perSqft / float64(sqftCount)
		metric.AverageRentPerSqft = &avg
	}
	return metric
}

// AreaMetrics returns an area's stored statistics, most recent first.
func (s *Store) AreaMetrics(ctx context.Context, area string, limit int) ([]models.AreaMetric, error) {
	if limit <= 0 {
		limit = 30
	}
	var metrics []models.AreaMetric
	if err := s.db.WithContext(ctx).
		Where("area_key = ?", area).
		Order("metric_date DESC").
		Limit(limit).
		Find(&metrics).Error; err != nil {
		return nil, Classify(err)
	}
	return metrics, nil
}
