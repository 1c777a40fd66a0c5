package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rentintel/server/internal/models"
)

// DateLayout is the format of observation and metric dates.
const DateLayout = "2006-01-02"

var (
	// ErrStorageUnavailable marks failures caused by losing the store
	// (connection loss, busy/locked database, I/O errors). The current batch
	// must be aborted; retrying it later is safe.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflict marks an unexpected constraint failure outside the modelled
	// unique keys. Only the offending record is skipped.
	ErrConflict = errors.New("conflict violation")

	// ErrIncompleteAddress is returned when region or postal code is missing.
	ErrIncompleteAddress = errors.New("address needs at least region and postal code")

	ErrNotFound = errors.New("record not found")
)

// Repository is the write side used by the ingestion engine. A Repository
// passed to a Transaction callback is bound to that transaction.
type Repository interface {
	UpsertProperty(ctx context.Context, fields PropertyFields) (UpsertResult, error)
	UpsertListing(ctx context.Context, fields ListingFields) (UpsertResult, error)
	RecordPrice(ctx context.Context, listingID int64, rent float64) (models.PriceResult, error)
	Transaction(ctx context.Context, fn func(Repository) error) error
	StartRun(ctx context.Context, source string) (*models.IngestionRun, error)
	FinishRun(ctx context.Context, run *models.IngestionRun) error
}

// UpsertResult identifies the row an upsert landed on.
type UpsertResult struct {
	ID      int64
	Created bool
	// Rebound is set when an existing listing moved to a different property.
	Rebound bool
}

// Store implements Repository and the maintenance queries on top of gorm.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
	rebind bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the store clock. Times are always stored in UTC.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = func() time.Time { return now().UTC() }
	}
}

// WithPropertyRebind controls whether a re-sighted listing is re-linked to
// the property resolved for the new sighting.
func WithPropertyRebind(enabled bool) Option {
	return func(s *Store) {
		s.rebind = enabled
	}
}

// NewStore wraps an opened gorm database.
func NewStore(db *gorm.DB, logger *logrus.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		rebind: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) withDB(db *gorm.DB) *Store {
	cp := *s
	cp.db = db
	return &cp
}

// Transaction runs fn inside a transaction. Nested calls on the Repository
// handed to fn create savepoints, so a failing inner call only rolls back
// its own writes.
func (s *Store) Transaction(ctx context.Context, fn func(Repository) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.withDB(tx))
	})
	return Classify(err)
}

// Open connects to the configured database. SQLite connections are limited
// to a single writer so concurrent tasks queue instead of failing with
// SQLITE_BUSY.
func Open(driverName, dsn string, logger *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "", "sqlite":
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}

	gormLog := gormlogger.Discard
	if logger != nil {
		gormLog = gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driverName == "" || driverName == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// MigrateSchema creates or updates every table the store uses.
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Property{},
		&models.Listing{},
		&models.PriceObservation{},
		&models.AreaMetric{},
		&models.IngestionRun{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// NewTestDB opens a migrated SQLite database inside dir.
func NewTestDB(dir string) (*gorm.DB, error) {
	db, err := Open("sqlite", filepath.Join(dir, "test.db"), nil)
	if err != nil {
		return nil, err
	}
	if err := MigrateSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Classify maps driver and gorm errors onto ErrStorageUnavailable or
// ErrConflict. Errors that are already classified, and errors it does not
// recognise, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConflict) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr,
			sqlite3.ErrFull, sqlite3.ErrReadonly, sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return err
}
