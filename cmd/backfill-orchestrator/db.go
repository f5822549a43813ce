package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/getpup/backfill-orchestrator/config"
	"github.com/getpup/backfill-orchestrator/pkg/migrations"
	"github.com/getpup/backfill-orchestrator/store/sqlstore"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// openDB connects to the database described by cfg and checks it is reachable.
func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, migrations.Dialect, error) {
	dialect, err := migrations.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	if cfg.DSN == "" {
		return nil, "", fmt.Errorf("database.dsn is required")
	}

	var db *sql.DB
	switch dialect {
	case migrations.Postgres:
		connector, err := pq.NewConnector(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse postgres dsn: %w", err)
		}
		db = sql.OpenDB(connector)
	case migrations.MySQL:
		mysqlCfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse mysql dsn: %w", err)
		}
		connector, err := mysql.NewConnector(mysqlCfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create mysql connector: %w", err)
		}
		db = sql.OpenDB(connector)
	case migrations.SQLite:
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// SQLite serializes writers.
		db.SetMaxOpenConns(1)
	}

	if cfg.MaxOpenConns > 0 && dialect != migrations.SQLite {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

// openStore opens the configured database and wraps it in a run store.
// Callers close the returned pool.
func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, *sql.DB, error) {
	db, dialect, err := openDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return sqlstore.NewWithConfig(db, dialect, cfg.Tables()), db, nil
}
