package models

// CollectionStatus is the state of one orchestrated collection run.
type CollectionStatus string

const (
	CollectionIdle            CollectionStatus = "idle"
	CollectionDispatching     CollectionStatus = "dispatching"
	CollectionCollecting      CollectionStatus = "collecting"
	CollectionMerging         CollectionStatus = "merging"
	CollectionDone            CollectionStatus = "done"
	CollectionPartiallyFailed CollectionStatus = "partially_failed"
)

// Batch is the listings one collector returned for one city.
type Batch struct {
	Source   string       `json:"source"`
	Region   string       `json:"region"`
	City     string       `json:"city"`
	Listings []RawListing `json:"listings"`
}
