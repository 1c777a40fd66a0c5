package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentintel/server/internal/models"
)

func TestRentPerSqft(t *testing.T) {
	tests := []struct {
		name       string
		rent       float64
		squareFeet *int
		want       *float64
	}{
		{name: "rounded to four places", rent: 2000, squareFeet: intPtr(900), want: floatPtr(2.2222)},
		{name: "exact", rent: 1500, squareFeet: intPtr(750), want: floatPtr(2)},
		{name: "unknown area", rent: 1500, squareFeet: nil},
		{name: "zero area", rent: 1500, squareFeet: intPtr(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RentPerSqft(tt.rent, tt.squareFeet)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestRecordPriceClassifiesChanges(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	property, err := store.UpsertProperty(ctx, PropertyFields{
		Street: "1 Elm St", City: "Austin", Region: "TX", PostalCode: "78701", SquareFeet: intPtr(900),
	})
	require.NoError(t, err)
	listing, err := store.UpsertListing(ctx, ListingFields{PropertyID: property.ID, Source: "craigslist", SourceID: "1"})
	require.NoError(t, err)

	res, err := store.RecordPrice(ctx, listing.ID, 2000)
	require.NoError(t, err)
	assert.Equal(t, models.PriceResult{Written: true, ChangeType: models.ChangeTypeNew}, res)

	res, err = store.RecordPrice(ctx, listing.ID, 2000)
	require.NoError(t, err)
	assert.False(t, res.Written)

	clock.Advance(24 * time.Hour)
	res, err = store.RecordPrice(ctx, listing.ID, 2100)
	require.NoError(t, err)
	assert.Equal(t, models.PriceResult{Written: true, ChangeType: models.ChangeTypeIncrease}, res)

	clock.Advance(24 * time.Hour)
	res, err = store.RecordPrice(ctx, listing.ID, 1950)
	require.NoError(t, err)
	assert.Equal(t, models.PriceResult{Written: true, ChangeType: models.ChangeTypeDecrease}, res)

	res, err = store.RecordPrice(ctx, listing.ID, 1900)
	require.NoError(t, err)
	assert.False(t, res.Written, "a second change on the same date is not recorded")

	history, err := store.PriceHistory(ctx, listing.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "2024-03-01", history[0].ObservedDate)
	assert.Equal(t, 2000.0, history[0].ObservedRent)
	require.NotNil(t, history[0].RentPerSqft)
	assert.InDelta(t, 2.2222, *history[0].RentPerSqft, 1e-9)
	assert.Equal(t, property.ID, history[0].PropertyID)
	assert.Equal(t, models.ChangeTypeIncrease, history[1].ChangeType)
	assert.Equal(t, "2024-03-03", history[2].ObservedDate)
	assert.Equal(t, 1950.0, history[2].ObservedRent)
}

func TestRecordPriceWithoutSquareFeet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	property, err := store.UpsertProperty(ctx, PropertyFields{Region: "TX", PostalCode: "78701"})
	require.NoError(t, err)
	listing, err := store.UpsertListing(ctx, ListingFields{PropertyID: property.ID, Source: "craigslist", SourceID: "1"})
	require.NoError(t, err)

	_, err = store.RecordPrice(ctx, listing.ID, 1200)
	require.NoError(t, err)

	history, err := store.PriceHistory(ctx, listing.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].RentPerSqft)
}

func TestRecordPriceUnknownListing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.RecordPrice(context.Background(), 12345, 1000)
	assert.ErrorIs(t, err, ErrNotFound)
}
