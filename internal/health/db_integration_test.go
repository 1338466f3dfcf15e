//go:build integration

package health

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestDBChecker_Schema(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("paysettle"),
		postgres.WithUsername("paysettle"),
		postgres.WithPassword("paysettle"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	checker := NewDBChecker(db)
	if err := checker.HealthCheck(ctx); !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing before migration, got %v", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE payments (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if err := checker.HealthCheck(ctx); err != nil {
		t.Errorf("expected healthy database, got %v", err)
	}
}
