package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rentintel/server/internal/database"
	"rentintel/server/internal/models"
	"rentintel/server/internal/orchestrator"
)

// Store is the read side the API serves from.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
	GetRun(ctx context.Context, id int64) (*models.IngestionRun, error)
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	PriceHistory(ctx context.Context, listingID int64) ([]models.PriceObservation, error)
	AreaMetrics(ctx context.Context, area string, limit int) ([]models.AreaMetric, error)
}

type Ingester interface {
	RunIngestion(ctx context.Context, source string, records []models.RawListing) models.RunReport
}

type MaintenanceRunner interface {
	RunMaintenance(ctx context.Context) models.MaintenanceReport
}

// CollectionRunner starts background collection runs.
type CollectionRunner interface {
	Start(ctx context.Context, codes []string) error
	Running() bool
	Status() string
	Last() *orchestrator.Result
}

type Handler struct {
	store       Store
	ingester    Ingester
	maintenance MaintenanceRunner
	collection  CollectionRunner
	logger      *logrus.Logger
}

type CollectRequest struct {
	Regions []string `json:"regions"`
}

type IngestRequest struct {
	Listings []models.RawListing `json:"listings" binding:"required"`
}

// NewHandler wires the API. collection may be nil when no collector is
// configured.
func NewHandler(store Store, ingester Ingester, maintenance MaintenanceRunner, collection CollectionRunner, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		store:       store,
		ingester:    ingester,
		maintenance: maintenance,
		collection:  collection,
		logger:      logger,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ingest runs one ingestion batch for the source in the path.
func (h *Handler) Ingest(c *gin.Context) {
	source := strings.TrimSpace(c.Param("source"))
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source is required"})
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse ingest request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	report := h.ingester.RunIngestion(c.Request.Context(), source, req.Listings)
	if report.Status == models.RunStatusFailed {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) RunMaintenance(c *gin.Context) {
	report := h.maintenance.RunMaintenance(c.Request.Context())
	if report.Status == models.RunStatusFailed {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// StartCollection kicks off a background collection over the requested
// regions, or all regions when none are named.
func (h *Handler) StartCollection(c *gin.Context) {
	if h.collection == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Collection is not configured"})
		return
	}

	var req CollectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.WithError(err).Error("Failed to parse collect request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	err := h.collection.Start(c.Request.Context(), req.Regions)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Collection already running"})
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to start collection")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "started",
		"regions": req.Regions,
	})
}

func (h *Handler) CollectionStatus(c *gin.Context) {
	if h.collection == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Collection is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   h.collection.Status(),
		"running":  h.collection.Running(),
		"last_run": h.collection.Last(),
	})
}

func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.store.ListRuns(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetRun(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "Failed to get run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetListingPrices returns a listing with its price history, oldest first.
func (h *Handler) GetListingPrices(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	listing, err := h.store.GetListing(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "Failed to get listing")
		return
	}

	history, err := h.store.PriceHistory(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err, "Failed to get price history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listing": listing,
		"prices":  history,
	})
}

func (h *Handler) GetAreaMetrics(c *gin.Context) {
	area := strings.TrimSpace(c.Param("area"))
	metrics, err := h.store.AreaMetrics(c.Request.Context(), area, queryLimit(c, 30))
	if err != nil {
		h.storeError(c, err, "Failed to get area metrics")
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *Handler) storeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, database.ErrStorageUnavailable):
		h.logger.WithError(err).Error(msg)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
	default:
		h.logger.WithError(err).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
