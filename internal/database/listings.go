package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"

	"rentintel/server/internal/models"
)

// ListingFields identify one source listing and the property it advertises.
type ListingFields struct {
	PropertyID int64
	Source     string
	SourceID   string
	URL        string
}

// UpsertListing creates the listing or refreshes an existing one: status goes
// back to active, last_verified_at moves to now, and the URL is replaced only
// by a non-empty one.
//
// When property rebinding is enabled a listing whose address resolves to a
// different property is moved to it. Otherwise the original binding is kept.
func (s *Store) UpsertListing(ctx context.Context, f ListingFields) (UpsertResult, error) {
	db := s.db.WithContext(ctx)

	now := s.now()
	listing := models.Listing{
		PropertyID:      f.PropertyID,
		SourcePlatform:  f.Source,
		SourceListingID: f.SourceID,
		ListingURL:      f.URL,
		Status:          models.ListingStatusActive,
		LastVerifiedAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_platform"}, {Name: "source_listing_id"}},
		DoNothing: true,
	}).Create(&listing)
	if inserted.Error != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert listing: %w", Classify(inserted.Error))
	}
	if inserted.RowsAffected == 1 && listing.ID != 0 {
		return UpsertResult{ID: listing.ID, Created: true}, nil
	}

	var existing models.Listing
	if err := db.Select("id", "property_id").
		Where("source_platform = ? AND source_listing_id = ?", f.Source, f.SourceID).
		Limit(1).Find(&existing).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to look up listing: %w", Classify(err))
	}
	if existing.ID == 0 {
		return UpsertResult{}, fmt.Errorf("listing %s/%s vanished during upsert: %w", f.Source, f.SourceID, ErrConflict)
	}
	if inserted.RowsAffected == 1 {
		return UpsertResult{ID: existing.ID, Created: true}, nil
	}

	updates := map[string]interface{}{
		"status":           models.ListingStatusActive,
		"last_verified_at": now,
		"updated_at":       now,
	}
	if f.URL != "" {
		updates["listing_url"] = f.URL
	}
	if s.rebind {
		updates["property_id"] = f.PropertyID
	}

	if err := db.Model(&models.Listing{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to refresh listing: %w", Classify(err))
	}

	result := UpsertResult{ID: existing.ID}
	if existing.PropertyID != f.PropertyID {
		fields := logrus.Fields{
			"listing_id":        existing.ID,
			"source":            f.Source,
			"source_listing_id": f.SourceID,
			"old_property_id":   existing.PropertyID,
			"new_property_id":   f.PropertyID,
		}
		if s.rebind {
			result.Rebound = true
			s.logger.WithFields(fields).Info("Listing rebound to a different property")
		} else {
			s.logger.WithFields(fields).Warn("Listing address resolved to a different property; keeping original binding")
		}
	}
	return result, nil
}

// MarkStale deactivates active listings not verified within thresholdDays and
// returns how many were changed.
func (s *Store) MarkStale(ctx context.Context, thresholdDays int) (int64, error) {
	if thresholdDays < 0 {
		return 0, fmt.Errorf("stale threshold must not be negative: %d", thresholdDays)
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(thresholdDays) * 24 * time.Hour)

	result := s.db.WithContext(ctx).Model(&models.Listing{}).
		Where("status = ? AND last_verified_at < ?", models.ListingStatusActive, cutoff).
		Updates(map[string]interface{}{
			"status":     models.ListingStatusInactive,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale listings: %w", Classify(result.Error))
	}

	s.logger.WithFields(logrus.Fields{
		"threshold_days": thresholdDays,
		"marked":         result.RowsAffected,
	}).Info("Marked stale listings inactive")

	return result.RowsAffected, nil
}

// GetListing loads a listing by id.
func (s *Store) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	var listing models.Listing
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&listing)
	if result.Error != nil {
		return nil, Classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return &listing, nil
}

// FindListing loads a listing by its source identity.
func (s *Store) FindListing(ctx context.Context, source, sourceID string) (*models.Listing, error) {
	var listing models.Listing
	result := s.db.WithContext(ctx).
		Where("source_platform = ? AND source_listing_id = ?", source, sourceID).
		Limit(1).Find(&listing)
	if result.Error != nil {
		return nil, Classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("listing %s/%s: %w", source, sourceID, ErrNotFound)
	}
	return &listing, nil
}
