// Package bootstrap prepares the database schema before the service starts.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/unklstewy/securelinks/internal/migrations"
	"go.uber.org/zap"
)

// gooseUp is swapped out in tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// gooseVersion is swapped out in tests.
var gooseVersion = func(ctx context.Context, db *sql.DB, dir string) (int64, error) {
	return goose.GetDBVersionContext(ctx, db)
}

// MigrationRunner applies the embedded goose migrations.
type MigrationRunner struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(pool *pgxpool.Pool, logger *zap.Logger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationRunner{
		pool:   pool,
		logger: logger.With(zap.String("component", "migrations")),
	}
}

// Run applies every pending migration.
func (mr *MigrationRunner) Run(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(mr.pool)
	defer db.Close()

	return mr.run(ctx, db)
}

func (mr *MigrationRunner) run(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	start := time.Now()
	mr.logger.Info("Applying database migrations")

	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := gooseVersion(ctx, db, ".")
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	mr.logger.Info("Database schema is up to date",
		zap.Int64("version", version),
		zap.Duration("duration", time.Since(start)))
	return nil
}
