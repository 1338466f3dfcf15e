package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaMissing is returned when the database is reachable but the ledger
// tables have not been migrated.
var ErrSchemaMissing = errors.New("ledger schema not migrated")

// DBChecker implements health checking for the ledger database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db: db,
	}
}

// HealthCheck pings the database and confirms the payments table exists.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var present bool
	if err := d.db.QueryRowContext(ctx, `SELECT to_regclass('payments') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !present {
		return ErrSchemaMissing
	}
	return nil
}
