package stats

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// execer is the part of *pgxpool.Pool the procedure refresher needs.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ProcedureRefresher delegates aggregation to the calculate_zip_metrics
// stored procedure of a Postgres metrics database.
type ProcedureRefresher struct {
	db     execer
	pool   *pgxpool.Pool
	query  string
	logger *logrus.Logger
}

// NewProcedureRefresher connects to dsn and verifies the connection.
func NewProcedureRefresher(ctx context.Context, dsn, schema string, logger *logrus.Logger) (*ProcedureRefresher, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach metrics database: %w", err)
	}

	r := newProcedureRefresher(pool, schema, logger)
	r.pool = pool
	return r, nil
}

func newProcedureRefresher(db execer, schema string, logger *logrus.Logger) *ProcedureRefresher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if schema == "" {
		schema = "public"
	}
	return &ProcedureRefresher{
		db:     db,
		query:  "SELECT " + pgx.Identifier{schema, "calculate_zip_metrics"}.Sanitize() + "($1, $2::date)",
		logger: logger,
	}
}

// RefreshAreaMetrics calls the procedure for one area and date.
func (r *ProcedureRefresher) RefreshAreaMetrics(ctx context.Context, area, asOf string) error {
	if _, err := r.db.Exec(ctx, r.query, area, asOf); err != nil {
		return fmt.Errorf("failed to call metrics procedure for %s: %w", area, err)
	}
	r.logger.WithFields(logrus.Fields{
		"area":  area,
		"as_of": asOf,
	}).Debug("Refreshed area metrics via procedure")
	return nil
}

// Close releases the connection pool.
func (r *ProcedureRefresher) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}
