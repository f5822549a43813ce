// Package migrations provides SQL schema generation for backfill run state.
// It generates the runs and run partitions tables for PostgreSQL, MySQL/MariaDB and SQLite,
// either as a migration file or as individual statements to execute at startup.
package migrations
