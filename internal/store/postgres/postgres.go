// Package postgres implements the store contracts on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unklstewy/securelinks/internal/store"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
)

// DB is the subset of pgxpool.Pool used by the stores.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect parses databaseURL, opens a pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// PoolChecker reports database reachability to the health engine.
type PoolChecker struct {
	pool *pgxpool.Pool
}

// NewPoolChecker wraps pool in a health checker.
func NewPoolChecker(pool *pgxpool.Pool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

// Name returns the checker name.
func (c *PoolChecker) Name() string {
	return "database"
}

// Check pings the database and reports pool statistics.
func (c *PoolChecker) Check(ctx context.Context) *healthcheck.Result {
	start := time.Now()
	status := healthcheck.StatusHealthy
	message := "database reachable"

	if err := c.pool.Ping(ctx); err != nil {
		status = healthcheck.StatusUnhealthy
		message = fmt.Sprintf("database ping failed: %v", err)
	}

	stat := c.pool.Stat()
	return &healthcheck.Result{
		ComponentName: c.Name(),
		Status:        status,
		Message:       message,
		Timestamp:     time.Now(),
		Duration:      time.Since(start),
		Details: map[string]interface{}{
			"total_conns":    stat.TotalConns(),
			"idle_conns":     stat.IdleConns(),
			"acquired_conns": stat.AcquiredConns(),
		},
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapErr translates pgx sentinel errors into store errors.
func mapErr(err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err):
		return store.ErrConflict
	}
	return err
}
