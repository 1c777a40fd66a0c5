package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rentintel"

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	ListingsCollected   *prometheus.CounterVec
	CollectionErrors    *prometheus.CounterVec
	CollectionDuration  *prometheus.HistogramVec
	RecordsIngested     *prometheus.CounterVec
	IngestionRuns       *prometheus.CounterVec
	PriceChanges        *prometheus.CounterVec
	StaleListingsMarked prometheus.Counter
	AreaRefreshes       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ListingsCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_collected_total",
			Help:      "Raw listings returned by collectors.",
		}, []string{"source", "region"}),
		CollectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_errors_total",
			Help:      "Failed collector calls by kind.",
		}, []string{"source", "region", "kind"}),
		CollectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of one region collection task.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"source"}),
		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Ingested records by outcome.",
		}, []string{"source", "outcome"}),
		IngestionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_runs_total",
			Help:      "Ingestion runs by terminal status.",
		}, []string{"source", "status"}),
		PriceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_changes_total",
			Help:      "Price observations written by change type.",
		}, []string{"change_type"}),
		StaleListingsMarked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_listings_marked_total",
			Help:      "Listings moved to inactive by the sweeper.",
		}),
		AreaRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "area_refreshes_total",
			Help:      "Area metric refresh attempts by result.",
		}, []string{"result"}),
	}
}
