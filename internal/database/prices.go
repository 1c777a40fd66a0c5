package database

import (
	"context"
	"fmt"
	"math"

	"gorm.io/gorm/clause"

	"rentintel/server/internal/models"
)

// rentPerSqftScale rounds rent per square foot to four decimal places.
const rentPerSqftScale = 10000

// RentPerSqft divides rent by the unit's area. It returns nil when the area is
// unknown or not positive.
func RentPerSqft(rent float64, squareFeet *int) *float64 {
	if squareFeet == nil || *squareFeet <= 0 {
		return nil
	}
	v := math.Round(rent/float64(*squareFeet)*rentPerSqftScale) / rentPerSqftScale
	return &v
}

// RecordPrice appends a dated observation when rent differs from the latest
// one for the listing. Repeated rents, and a second change on the same date,
// leave the history untouched and report Written=false.
func (s *Store) RecordPrice(ctx context.Context, listingID int64, rent float64) (models.PriceResult, error) {
	db := s.db.WithContext(ctx)

	var last models.PriceObservation
	if err := db.Where("listing_id = ?", listingID).
		Order("observed_date DESC").Order("id DESC").
		Limit(1).Find(&last).Error; err != nil {
		return models.PriceResult{}, fmt.Errorf("failed to load latest price: %w", Classify(err))
	}

	change := models.ChangeTypeNew
	if last.ID != 0 {
		switch {
		case rent > last.ObservedRent:
			change = models.ChangeTypeIncrease
		case rent < last.ObservedRent:
			change = models.ChangeTypeDecrease
		default:
			return models.PriceResult{Written: false, ChangeType: last.ChangeType}, nil
		}
	}

	var listing models.Listing
	result := db.Select("id", "property_id").Where("id = ?", listingID).Limit(1).Find(&listing)
	if result.Error != nil {
		return models.PriceResult{}, fmt.Errorf("failed to load listing: %w", Classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return models.PriceResult{}, fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
	}

	var property models.Property
	if err := db.Select("id", "square_feet").Where("id = ?", listing.PropertyID).Limit(1).Find(&property).Error; err != nil {
		return models.PriceResult{}, fmt.Errorf("failed to load property: %w", Classify(err))
	}

	now := s.now()
	observation := models.PriceObservation{
		ListingID:    listingID,
		PropertyID:   listing.PropertyID,
		ObservedRent: rent,
		RentPerSqft:  RentPerSqft(rent, property.SquareFeet),
		ChangeType:   change,
		ObservedDate: now.Format(DateLayout),
		CreatedAt:    now,
	}

	result = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "listing_id"}, {Name: "observed_date"}},
		DoNothing: true,
	}).Create(&observation)
	if result.Error != nil {
		return models.PriceResult{}, fmt.Errorf("failed to record price: %w", Classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return models.PriceResult{Written: false, ChangeType: change}, nil
	}

	return models.PriceResult{Written: true, ChangeType: change}, nil
}

// PriceHistory returns a listing's observations oldest first.
func (s *Store) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceObservation, error) {
	var observations []models.PriceObservation
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("observed_date ASC").Order("id ASC").
		Find(&observations).Error; err != nil {
		return nil, Classify(err)
	}
	return observations, nil
}
