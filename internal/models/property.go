package models

import "time"

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusInactive ListingStatus = "inactive"
)

// ChangeType classifies a price observation against the previous one for the
// same listing.
type ChangeType string

const (
	ChangeTypeNew      ChangeType = "new"
	ChangeTypeIncrease ChangeType = "increase"
	ChangeTypeDecrease ChangeType = "decrease"
)

// Property is a physical rental unit, unique by the hash of its canonical
// address. Attributes are only ever merged, never overwritten with nulls.
type Property struct {
	ID                int64     `gorm:"primaryKey" json:"id"`
	Street            string    `gorm:"size:255" json:"street"`
	City              string    `gorm:"size:128;index" json:"city"`
	Region            string    `gorm:"size:64;not null;index" json:"region"`
	PostalCode        string    `gorm:"size:16;not null;index" json:"postal_code"`
	NormalizedAddress string    `gorm:"size:512;not null" json:"normalized_address"`
	AddressHash       string    `gorm:"size:64;not null;uniqueIndex" json:"address_hash"`
	PropertyType      *string   `gorm:"size:32" json:"property_type"`
	Bedrooms          *int      `json:"bedrooms"`
	Bathrooms         *float64  `json:"bathrooms"`
	SquareFeet        *int      `json:"square_feet"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Listing is one source's advertisement of a property. The pair
// (SourcePlatform, SourceListingID) is globally unique.
type Listing struct {
	ID              int64         `gorm:"primaryKey" json:"id"`
	PropertyID      int64         `gorm:"not null;index" json:"property_id"`
	SourcePlatform  string        `gorm:"size:64;not null;uniqueIndex:idx_listings_source" json:"source_platform"`
	SourceListingID string        `gorm:"size:128;not null;uniqueIndex:idx_listings_source" json:"source_listing_id"`
	ListingURL      string        `gorm:"size:1024" json:"listing_url"`
	Status          ListingStatus `gorm:"size:16;not null;index" json:"status"`
	LastVerifiedAt  time.Time     `gorm:"not null;index" json:"last_verified_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// PriceObservation is one dated rent reading. Rows are append-only and there
// is at most one per listing and date.
type PriceObservation struct {
	ID           int64      `gorm:"primaryKey" json:"id"`
	ListingID    int64      `gorm:"not null;uniqueIndex:idx_price_listing_date" json:"listing_id"`
	PropertyID   int64      `gorm:"not null;index" json:"property_id"`
	ObservedRent float64    `gorm:"not null" json:"observed_rent"`
	RentPerSqft  *float64   `json:"rent_per_sqft"`
	ChangeType   ChangeType `gorm:"size:16;not null" json:"change_type"`
	ObservedDate string     `gorm:"size:10;not null;uniqueIndex:idx_price_listing_date;index" json:"observed_date"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AreaMetric holds aggregated rent statistics for one area and date.
type AreaMetric struct {
	ID                 int64     `gorm:"primaryKey" json:"id"`
	AreaKey            string    `gorm:"size:32;not null;uniqueIndex:idx_area_metric" json:"area_key"`
	MetricDate         string    `gorm:"size:10;not null;uniqueIndex:idx_area_metric" json:"metric_date"`
	MedianRent         float64   `json:"median_rent"`
	AverageRent        float64   `json:"average_rent"`
	AverageRentPerSqft *float64  `json:"average_rent_per_sqft"`
	ActiveListings     int       `json:"active_listings"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PriceResult reports what RecordPrice did.
type PriceResult struct {
	Written    bool       `json:"written"`
	ChangeType ChangeType `json:"change_type"`
}
