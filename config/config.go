package config

import (
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Database struct {
		// Gorm dialect: "sqlite" or "mysql"
		Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
		DSN    string `env:"DB_DSN" envDefault:"database/rentintel.db"`

		// Optional Postgres DSN; when set, area metrics are computed by the
		// calculate_zip_metrics procedure instead of in-process.
		MetricsDSN    string `env:"METRICS_PG_DSN"`
		MetricsSchema string `env:"METRICS_PG_SCHEMA" envDefault:"rental_intel"`
	}

	// BatchProcessing configuration
	BatchProcessing struct {
		// Capacity of the queue between collection and ingestion
		QueueSize int `env:"BATCH_QUEUE_SIZE" envDefault:"100"`

		// Number of concurrent batch processors
		ProcessorCount int `env:"BATCH_PROCESSOR_COUNT" envDefault:"2"`

		// Maximum number of retries for batches aborted by storage loss
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`
	}

	Collection struct {
		Source            string        `env:"COLLECT_SOURCE" envDefault:"craigslist"`
		RegionsFile       string        `env:"REGIONS_FILE" envDefault:"config/regions.yaml"`
		MaxConcurrency    int           `env:"COLLECT_MAX_CONCURRENCY" envDefault:"5"`
		BaseDelay         time.Duration `env:"COLLECT_BASE_DELAY" envDefault:"2s"`
		JitterMin         time.Duration `env:"COLLECT_JITTER_MIN" envDefault:"1s"`
		Jitter            time.Duration `env:"COLLECT_JITTER" envDefault:"3s"`
		RequestTimeout    time.Duration `env:"COLLECT_REQUEST_TIMEOUT" envDefault:"30s"`
		RequestsPerSecond float64       `env:"COLLECT_RPS" envDefault:"1"`
		UserAgent         string        `env:"COLLECT_USER_AGENT" envDefault:"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"`
		SearchURL         string        `env:"COLLECT_SEARCH_URL" envDefault:"https://{domain}.craigslist.org/search/apa"`
		MaxPerCity        int           `env:"COLLECT_MAX_PER_CITY" envDefault:"50"`
		DedupeTTL         time.Duration `env:"COLLECT_DEDUPE_TTL" envDefault:"10m"`
	}

	Maintenance struct {
		StaleDays             int  `env:"STALE_DAYS" envDefault:"30"`
		RefreshOnIngest       bool `env:"REFRESH_ON_INGEST" envDefault:"true"`
		RebindListingProperty bool `env:"LISTING_REBIND_PROPERTY" envDefault:"true"`
	}

	Server struct {
		Port           string   `env:"PORT" envDefault:"5250"`
		AllowedOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	}

	Schedule struct {
		MaintenanceCron string `env:"MAINTENANCE_CRON" envDefault:"0 6 * * *"`
		CollectionCron  string `env:"COLLECTION_CRON"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
