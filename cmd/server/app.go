package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rentintel/server/config"
	"rentintel/server/internal/collector"
	"rentintel/server/internal/database"
	"rentintel/server/internal/models"
	"rentintel/server/internal/orchestrator"
	"rentintel/server/internal/processor"
	"rentintel/server/internal/queue"
	"rentintel/server/internal/stats"
	"rentintel/server/internal/telemetry"
)

// app holds the wired components shared by every command.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	db          *gorm.DB
	store       *database.Store
	registry    *prometheus.Registry
	metrics     *telemetry.Metrics
	trigger     *stats.Trigger
	engine      *processor.Engine
	maintenance *processor.Maintenance
	closers     []func()
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	logger.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
	}).Info("Opening database")
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	logger.Info("Running database migrations...")
	if err := database.MigrateSchema(db); err != nil {
		a.Close()
		return nil, err
	}

	a.store = database.NewStore(db, logger, database.WithPropertyRebind(cfg.Maintenance.RebindListingProperty))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = telemetry.New(a.registry)

	var refresher stats.Refresher = a.store
	if cfg.Database.MetricsDSN != "" {
		pr, err := stats.NewProcedureRefresher(ctx, cfg.Database.MetricsDSN, cfg.Database.MetricsSchema, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pr.Close)
		refresher = pr
		logger.WithField("schema", cfg.Database.MetricsSchema).Info("Area metrics delegated to metrics database")
	}
	a.trigger = stats.NewTrigger(refresher, logger, a.metrics)

	a.engine = processor.NewEngine(a.store, a.trigger, processor.EngineConfig{
		MaxRetries:      cfg.BatchProcessing.MaxRetries,
		RetryDelay:      time.Duration(cfg.BatchProcessing.RetryDelay) * time.Second,
		RefreshOnIngest: cfg.Maintenance.RefreshOnIngest,
	}, logger, a.metrics)
	a.maintenance = processor.NewMaintenance(a.store, a.trigger, cfg.Maintenance.StaleDays, logger, a.metrics)

	return a, nil
}

// pipeline is collection feeding ingestion through the batch queue.
type pipeline struct {
	queue     *queue.BatchQueue
	processor *processor.BatchProcessor
	runner    *orchestrator.Runner
	closers   []func()
}

func (a *app) newPipeline() (*pipeline, error) {
	regions, err := config.LoadRegions(a.cfg.Collection.RegionsFile)
	if err != nil {
		return nil, err
	}

	p := &pipeline{}
	var cols []collector.Collector
	for _, source := range strings.Split(a.cfg.Collection.Source, ",") {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		c, err := collector.New(source, *a.cfg, a.logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		if closer, ok := c.(interface{ Close() }); ok {
			p.closers = append(p.closers, closer.Close)
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no collection source configured")
	}

	p.queue = queue.NewBatchQueue(a.cfg.BatchProcessing.QueueSize, a.logger)
	p.processor = processor.NewBatchProcessor(a.engine, p.queue, a.cfg, a.logger)

	orch := orchestrator.New(cols, a.logger, a.metrics,
		orchestrator.WithBatchHandler(p.queue.Push),
		orchestrator.WithCallTimeout(a.cfg.Collection.RequestTimeout*4),
	)
	p.runner = orchestrator.NewRunner(orch, regions, a.cfg.Collection.MaxConcurrency, a.logger)
	return p, nil
}

// Close drains queued batches and releases collectors.
func (p *pipeline) Close() {
	if p.processor != nil {
		p.processor.Stop()
	}
	for _, c := range p.closers {
		c()
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// loadListings reads a JSON array of listings, or an object with a
// "listings" array.
func loadListings(path string) ([]models.RawListing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read listings file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	var listings []models.RawListing
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Listings []models.RawListing `json:"listings"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse listings file: %w", err)
		}
		listings = wrapped.Listings
	} else if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("failed to parse listings file: %w", err)
	}
	return listings, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
