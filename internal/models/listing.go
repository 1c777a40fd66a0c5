package models

import "time"

// RawListing is one record produced by a collector, before deduplication.
// Nil attribute pointers mean the value was unknown or could not be
// extracted; Missing names the fields an extractor gave up on.
type RawListing struct {
	Source       string    `json:"source"`
	SourceID     string    `json:"source_listing_id" validate:"required,max=128"`
	Street       string    `json:"street_address" validate:"max=255"`
	City         string    `json:"city" validate:"max=128"`
	Region       string    `json:"region" validate:"required,max=64"`
	PostalCode   string    `json:"postal_code" validate:"required,max=16"`
	PropertyType *string   `json:"property_type,omitempty"`
	Bedrooms     *int      `json:"bedrooms,omitempty" validate:"omitempty,gte=0"`
	Bathrooms    *float64  `json:"bathrooms,omitempty" validate:"omitempty,gte=0"`
	SquareFeet   *int      `json:"square_feet,omitempty" validate:"omitempty,gt=0"`
	Rent         *float64  `json:"rent,omitempty" validate:"omitempty,gt=0"`
	URL          string    `json:"listing_url,omitempty" validate:"max=1024"`
	FirstSeen    time.Time `json:"first_seen"`
	Missing      []string  `json:"missing_fields,omitempty"`
}

// Degraded reports whether an extractor left any field empty.
func (r *RawListing) Degraded() bool {
	return len(r.Missing) > 0
}
