package migrations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGeneratePostgres(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "test_migration.sql",
		Tables:         DefaultTableConfig(),
	}

	if err := Generate(Postgres, &config); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	sql := string(content)

	required := []string{
		"CREATE TABLE IF NOT EXISTS backfill_runs",
		"id VARCHAR(36) PRIMARY KEY",
		"backfill_name VARCHAR(255) NOT NULL",
		"parameters TEXT NOT NULL",
		"state VARCHAR(16) NOT NULL",
		"CREATE TABLE IF NOT EXISTS backfill_run_partitions",
		"pkey_cursor BYTEA",
		"lease_expires_at BIGINT NOT NULL DEFAULT 0",
		"precomputing_done BOOLEAN NOT NULL DEFAULT FALSE",
		"UNIQUE (run_id, partition_name)",
		"CREATE INDEX IF NOT EXISTS idx_backfill_run_partitions_hunt ON backfill_run_partitions (run_state, lease_expires_at)",
	}
	for _, s := range required {
		if !strings.Contains(sql, s) {
			t.Errorf("migration missing required string: %s", s)
		}
	}

	if strings.Contains(sql, "ENGINE=InnoDB") {
		t.Error("postgres migration must not contain MySQL table options")
	}
}

func TestGeneratePostgres_CustomNames(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		OutputFolder:   tmpDir,
		OutputFilename: "custom.sql",
		Tables:         DefaultTableConfig().WithPrefix("billing"),
	}

	if err := Generate(Postgres, &config); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	sql := string(content)

	for _, s := range []string{
		"CREATE TABLE IF NOT EXISTS billing_backfill_runs",
		"CREATE TABLE IF NOT EXISTS billing_backfill_run_partitions",
		"idx_billing_backfill_run_partitions_hunt",
	} {
		if !strings.Contains(sql, s) {
			t.Errorf("migration missing required string: %s", s)
		}
	}
}

func TestGenerateMySQL(t *testing.T) {
	stmts, err := Statements(MySQL, DefaultTableConfig())
	if err != nil {
		t.Fatalf("Statements failed: %v", err)
	}

	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements for mysql, got %d", len(stmts))
	}

	partitions := stmts[1]
	for _, s := range []string{
		"pkey_cursor VARBINARY(1024)",
		"INDEX idx_backfill_run_partitions_hunt (run_state, lease_expires_at)",
		"ENGINE=InnoDB",
	} {
		if !strings.Contains(partitions, s) {
			t.Errorf("partitions table missing required string: %s", s)
		}
	}

	for _, stmt := range stmts {
		if strings.Contains(stmt, ";") {
			t.Errorf("statement must not contain a separator: %s", stmt)
		}
	}
}

func TestGenerateSQLite(t *testing.T) {
	sql, err := SQL(SQLite, DefaultTableConfig())
	if err != nil {
		t.Fatalf("SQL failed: %v", err)
	}

	for _, s := range []string{
		"id TEXT PRIMARY KEY",
		"range_start BLOB",
		"-- Database: sqlite",
	} {
		if !strings.Contains(sql, s) {
			t.Errorf("migration missing required string: %s", s)
		}
	}
}

func TestStatements_RejectsUnsafeIdentifiers(t *testing.T) {
	tests := []struct {
		name   string
		tables TableConfig
	}{
		{"empty runs table", TableConfig{RunsTable: "", PartitionsTable: "p"}},
		{"injection", TableConfig{RunsTable: "runs; DROP TABLE x", PartitionsTable: "p"}},
		{"leading digit", TableConfig{RunsTable: "runs", PartitionsTable: "1p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Statements(Postgres, tt.tables); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{
		"postgres": Postgres,
		"pq":       Postgres,
		"MySQL":    MySQL,
		"sqlite3":  SQLite,
	}
	for in, want := range tests {
		got, err := ParseDialect(in)
		if err != nil {
			t.Fatalf("ParseDialect(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseDialect(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for unsupported dialect")
	}
}

func TestDownStatements(t *testing.T) {
	stmts, err := DownStatements(DefaultTableConfig())
	if err != nil {
		t.Fatalf("DownStatements failed: %v", err)
	}
	if len(stmts) != 2 || !strings.Contains(stmts[0], "backfill_run_partitions") {
		t.Errorf("partitions must be dropped first, got %v", stmts)
	}
}
