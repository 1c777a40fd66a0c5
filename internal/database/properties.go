package database

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"

	"rentintel/server/internal/canon"
	"rentintel/server/internal/models"
)

// PropertyFields are the address and attributes of one sighting of a unit.
type PropertyFields struct {
	Street       string
	City         string
	Region       string
	PostalCode   string
	PropertyType *string
	Bedrooms     *int
	Bathrooms    *float64
	SquareFeet   *int
}

// UpsertProperty resolves the property for an address, creating it when the
// canonical address has not been seen. Non-null incoming attributes replace
// stored ones; null incoming attributes never erase them.
//
// Created is decided by the insert itself: of several concurrent first
// sightings only the one whose row was written reports it.
func (s *Store) UpsertProperty(ctx context.Context, f PropertyFields) (UpsertResult, error) {
	if strings.TrimSpace(f.Region) == "" || strings.TrimSpace(f.PostalCode) == "" {
		return UpsertResult{}, ErrIncompleteAddress
	}

	normalized, hash := canon.AddressKey(f.Street, f.City, f.Region, f.PostalCode)
	db := s.db.WithContext(ctx)

	now := s.now()
	property := models.Property{
		Street:            strings.TrimSpace(f.Street),
		City:              strings.TrimSpace(f.City),
		Region:            strings.ToUpper(strings.TrimSpace(f.Region)),
		PostalCode:        strings.TrimSpace(f.PostalCode),
		NormalizedAddress: normalized,
		AddressHash:       hash,
		PropertyType:      f.PropertyType,
		Bedrooms:          f.Bedrooms,
		Bathrooms:         f.Bathrooms,
		SquareFeet:        f.SquareFeet,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address_hash"}},
		DoNothing: true,
	}).Create(&property)
	if result.Error != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert property: %w", Classify(result.Error))
	}
	if result.RowsAffected == 1 && property.ID != 0 {
		return UpsertResult{ID: property.ID, Created: true}, nil
	}

	updates := map[string]interface{}{"updated_at": now}
	if f.PropertyType != nil {
		updates["property_type"] = *f.PropertyType
	}
	if f.Bedrooms != nil {
		updates["bedrooms"] = *f.Bedrooms
	}
	if f.Bathrooms != nil {
		updates["bathrooms"] = *f.Bathrooms
	}
	if f.SquareFeet != nil {
		updates["square_feet"] = *f.SquareFeet
	}

	if err := db.Model(&models.Property{}).Where("address_hash = ?", hash).Updates(updates).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to merge property: %w", Classify(err))
	}

	var stored models.Property
	if err := db.Select("id").Where("address_hash = ?", hash).Limit(1).Find(&stored).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to resolve property id: %w", Classify(err))
	}
	if stored.ID == 0 {
		return UpsertResult{}, fmt.Errorf("property %s vanished during upsert: %w", hash, ErrConflict)
	}

	return UpsertResult{ID: stored.ID, Created: result.RowsAffected == 1}, nil
}

// GetProperty loads a property by id.
func (s *Store) GetProperty(ctx context.Context, id int64) (*models.Property, error) {
	var property models.Property
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&property)
	if result.Error != nil {
		return nil, Classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("property %d: %w", id, ErrNotFound)
	}
	return &property, nil
}
