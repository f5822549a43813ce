package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/config"
	"github.com/getpup/backfill-orchestrator/lifecycle"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "runs.db")
	return cfg
}

func execute(t *testing.T, cfg *config.Config, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(config.WithContext(context.Background(), cfg))
	return out.String(), err
}

func TestMigrate_PrintsSchemaForConfiguredDriver(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Database.TablePrefix = "ops"

	out, err := execute(t, cfg, migrateCommand())

	require.NoError(t, err)
	assert.Contains(t, out, "ops_backfill_runs")
	assert.Contains(t, out, "-- Database: sqlite")
}

func TestMigrate_WritesMigrationFile(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, sqliteConfig(t), migrateCommand(), "--output", dir, "--filename", "init.sql")

	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "init.sql"))
	assert.FileExists(t, filepath.Join(dir, "init.sql"))
}

func TestMigrate_AppliesThenListIsEmpty(t *testing.T) {
	cfg := sqliteConfig(t)

	_, err := execute(t, cfg, migrateCommand(), "--apply")
	require.NoError(t, err)

	out, err := execute(t, cfg, listCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.NotContains(t, out, "RUNNING")
}

func TestStart_UnknownRunFails(t *testing.T) {
	cfg := sqliteConfig(t)
	_, err := execute(t, cfg, migrateCommand(), "--apply")
	require.NoError(t, err)

	_, err = execute(t, cfg, startCommand(), "missing")

	require.ErrorIs(t, err, backfill.ErrRunNotFound)
}

func TestOpenDB_Errors(t *testing.T) {
	t.Run("missing dsn", func(t *testing.T) {
		_, _, err := openDB(context.Background(), config.DatabaseConfig{Driver: "postgres"})
		require.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, _, err := openDB(context.Background(), config.DatabaseConfig{Driver: "oracle", DSN: "x"})
		require.Error(t, err)
	})

	t.Run("bad mysql dsn", func(t *testing.T) {
		_, _, err := openDB(context.Background(), config.DatabaseConfig{Driver: "mysql", DSN: "not a dsn"})
		require.Error(t, err)
	})
}

func TestPrintStatus(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := lifecycle.Status{
		Run: backfill.BackfillRun{ID: "run-1", ServiceName: "accounts", BackfillName: "users", State: backfill.RunStateRunning},
		Partitions: []backfill.RunPartition{
			{
				PartitionName:                 "shard-a",
				RunState:                      backfill.RunStateComplete,
				PkeyCursor:                    []byte("k9"),
				BackfilledScannedRecordCount:  10,
				BackfilledMatchingRecordCount: 7,
				ComputedScannedRecordCount:    10,
				ComputedMatchingRecordCount:   7,
			},
			{
				PartitionName:            "shard-b",
				RunState:                 backfill.RunStateRunning,
				LeaseExpiresAt:           expires,
				MatchingRecordsPerMinute: 120,
			},
		},
	}
	var out bytes.Buffer

	require.NoError(t, printStatus(&out, status))

	text := out.String()
	assert.Contains(t, text, "accounts/users")
	assert.Contains(t, text, "1/2 complete")
	assert.Contains(t, text, "7 of 7 computed")
	assert.Contains(t, text, `"k9"`)
	assert.Contains(t, text, "120")
	assert.Contains(t, text, "2026-03-01T12:00:00Z")
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, printRuns(&out, []backfill.BackfillRun{
		{ID: "r2", BackfillName: "orders", State: backfill.RunStatePaused, DryRun: true},
		{ID: "r1", BackfillName: "users", State: backfill.RunStateComplete},
	}))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[1]), "r2")
	assert.Contains(t, string(lines[1]), "PAUSED")
	assert.Contains(t, string(lines[2]), "COMPLETE")
}
