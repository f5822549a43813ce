package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Dialect selects the SQL flavour of the generated schema.
type Dialect string

const (
	// Postgres targets PostgreSQL.
	Postgres Dialect = "postgres"

	// MySQL targets MySQL and MariaDB.
	MySQL Dialect = "mysql"

	// SQLite targets SQLite 3.
	SQLite Dialect = "sqlite"
)

// ParseDialect maps a dialect or database/sql driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q (supported: postgres, mysql, sqlite)", name)
	}
}

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validateIdentifier ensures an identifier contains only safe characters for SQL.
// Returns an error if the identifier contains characters that could be used for SQL injection.
func validateIdentifier(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", fieldName, name)
	}
	return nil
}

// TableConfig names the tables holding run state.
type TableConfig struct {
	// RunsTable stores one row per backfill run.
	RunsTable string

	// PartitionsTable stores one row per run partition.
	PartitionsTable string
}

// DefaultTableConfig returns the default table names.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		RunsTable:       "backfill_runs",
		PartitionsTable: "backfill_run_partitions",
	}
}

// WithPrefix returns the table names prefixed with prefix and an underscore.
// An empty prefix returns the names unchanged.
func (c TableConfig) WithPrefix(prefix string) TableConfig {
	if prefix == "" {
		return c
	}
	return TableConfig{
		RunsTable:       prefix + "_" + c.RunsTable,
		PartitionsTable: prefix + "_" + c.PartitionsTable,
	}
}

// Validate rejects table names that are not plain SQL identifiers.
func (c TableConfig) Validate() error {
	if err := validateIdentifier(c.RunsTable, "RunsTable"); err != nil {
		return err
	}
	return validateIdentifier(c.PartitionsTable, "PartitionsTable")
}

// Config configures migration file generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// Tables names the generated tables
	Tables TableConfig
}

// DefaultConfig returns the default configuration for backfill migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_backfill_runs.sql", timestamp),
		Tables:         DefaultTableConfig(),
	}
}

// columnTypes holds the dialect specific column types.
type columnTypes struct {
	id      string
	name    string
	text    string
	bytes   string
	boolean string
	suffix  string
}

func typesFor(dialect Dialect) (columnTypes, error) {
	switch dialect {
	case Postgres:
		return columnTypes{id: "VARCHAR(36)", name: "VARCHAR(255)", text: "TEXT", bytes: "BYTEA", boolean: "BOOLEAN"}, nil
	case MySQL:
		return columnTypes{
			id:      "VARCHAR(36)",
			name:    "VARCHAR(255)",
			text:    "TEXT",
			bytes:   "VARBINARY(1024)",
			boolean: "BOOLEAN",
			suffix:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
		}, nil
	case SQLite:
		return columnTypes{id: "TEXT", name: "TEXT", text: "TEXT", bytes: "BLOB", boolean: "BOOLEAN"}, nil
	default:
		return columnTypes{}, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Statements returns the schema as individual statements, in execution order.
// Timestamps are stored as unix milliseconds so every dialect compares them the same way.
func Statements(dialect Dialect, tables TableConfig) ([]string, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ct, err := typesFor(dialect)
	if err != nil {
		return nil, err
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; indexes are declared inline there.
	inlineIndexes := ""
	if dialect == MySQL {
		inlineIndexes = fmt.Sprintf(`,
    INDEX idx_%[1]s_hunt (run_state, lease_expires_at),
    INDEX idx_%[1]s_run (run_id, partition_name)`, tables.PartitionsTable)
	}

	runs := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s PRIMARY KEY,
    service_name %s NOT NULL DEFAULT '',
    backfill_name %s NOT NULL,
    parameters %s NOT NULL,
    dry_run %s NOT NULL DEFAULT FALSE,
    batch_size BIGINT NOT NULL,
    scan_size BIGINT NOT NULL,
    threads_per_partition INTEGER NOT NULL,
    backoff_schedule %s NOT NULL,
    extra_sleep_ms BIGINT NOT NULL DEFAULT 0,
    state VARCHAR(16) NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    completed_at BIGINT
)%s`,
		tables.RunsTable, ct.id, ct.name, ct.name, ct.text, ct.boolean, ct.text, ct.suffix)

	partitions := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s PRIMARY KEY,
    run_id %s NOT NULL,
    partition_name %s NOT NULL,
    range_start %s,
    range_end %s,
    pkey_cursor %s,
    run_state VARCHAR(16) NOT NULL,
    lease_token VARCHAR(64) NOT NULL DEFAULT '',
    lease_expires_at BIGINT NOT NULL DEFAULT 0,
    precomputing_pkey_cursor %s,
    precomputing_done %s NOT NULL DEFAULT FALSE,
    backfilled_scanned_record_count BIGINT NOT NULL DEFAULT 0,
    backfilled_matching_record_count BIGINT NOT NULL DEFAULT 0,
    computed_scanned_record_count BIGINT NOT NULL DEFAULT 0,
    computed_matching_record_count BIGINT NOT NULL DEFAULT 0,
    scanned_records_per_minute BIGINT NOT NULL DEFAULT 0,
    matching_records_per_minute BIGINT NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    completed_at BIGINT,
    UNIQUE (run_id, partition_name)%s
)%s`,
		tables.PartitionsTable, ct.id, ct.id, ct.name,
		ct.bytes, ct.bytes, ct.bytes, ct.bytes, ct.boolean,
		inlineIndexes, ct.suffix)

	stmts := []string{runs, partitions}
	if dialect != MySQL {
		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_hunt ON %[1]s (run_state, lease_expires_at)", tables.PartitionsTable),
		)
	}
	return stmts, nil
}

// DownStatements returns the statements dropping the schema.
func DownStatements(tables TableConfig) ([]string, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return []string{
		"DROP TABLE IF EXISTS " + tables.PartitionsTable,
		"DROP TABLE IF EXISTS " + tables.RunsTable,
	}, nil
}

// SQL renders the schema as a migration script.
func SQL(dialect Dialect, tables TableConfig) (string, error) {
	stmts, err := Statements(dialect, tables)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Backfill Run State Migration\n-- Generated: %s\n-- Database: %s\n\n", time.Now().Format(time.RFC3339), dialect)
	b.WriteString("-- Runs are created once per backfill request and only change state.\n")
	b.WriteString("-- Partitions carry the cursor, lease and counters; writes are version checked.\n\n")
	for _, stmt := range stmts {
		b.WriteString(stmt)
		b.WriteString(";\n\n")
	}
	return b.String(), nil
}

// Generate writes a migration file for dialect.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config.Tables)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}
