//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/getpup/backfill-orchestrator/pkg/migrations"
	"github.com/getpup/backfill-orchestrator/store/sqlstore"
	_ "github.com/lib/pq"
)

// tables keeps end-to-end tests away from the tables used by the store suite.
var tables = migrations.DefaultTableConfig().WithPrefix("e2e")

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// setupStore recreates the run tables and returns a store over them.
func setupStore(t *testing.T, db *sql.DB) *sqlstore.Store {
	t.Helper()

	s := sqlstore.NewWithConfig(db, migrations.Postgres, tables)
	if err := s.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop tables: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return s
}

// teardownStore drops the run tables.
// Errors are logged but don't fail the test.
func teardownStore(t *testing.T, s *sqlstore.Store) {
	t.Helper()

	if err := s.Drop(context.Background()); err != nil {
		t.Logf("warning: failed to drop tables: %v", err)
	}
}
