// Package sqlstore implements store.Store on database/sql for PostgreSQL, MySQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/pkg/migrations"
	"github.com/getpup/backfill-orchestrator/store"
	"github.com/google/uuid"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is a SQL implementation of store.Store.
// Every write that can race with another process is a single conditional UPDATE, a
// version-checked read-then-write, or a transaction holding the run row lock.
type Store struct {
	db      *sql.DB
	dialect migrations.Dialect
	tables  migrations.TableConfig
	now     func() time.Time
}

// New creates a new SQL store with default table names.
func New(db *sql.DB, dialect migrations.Dialect) *Store {
	return NewWithConfig(db, dialect, migrations.DefaultTableConfig())
}

// NewWithConfig creates a new SQL store with custom table names.
func NewWithConfig(db *sql.DB, dialect migrations.Dialect, tables migrations.TableConfig) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		tables:  tables,
		now:     time.Now,
	}
}

const runColumns = `id, service_name, backfill_name, parameters, dry_run, batch_size, scan_size,
		threads_per_partition, backoff_schedule, extra_sleep_ms, state, version, created_at, updated_at, completed_at`

const partitionColumns = `id, run_id, partition_name, range_start, range_end, pkey_cursor, run_state,
		lease_token, lease_expires_at, precomputing_pkey_cursor, precomputing_done,
		backfilled_scanned_record_count, backfilled_matching_record_count,
		computed_scanned_record_count, computed_matching_record_count,
		scanned_records_per_minute, matching_records_per_minute, version, completed_at`

func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (backfill.BackfillRun, error) {
	var (
		run         backfill.BackfillRun
		params      string
		state       string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&run.ID,
		&run.ServiceName,
		&run.BackfillName,
		&params,
		&run.DryRun,
		&run.BatchSize,
		&run.ScanSize,
		&run.ThreadsPerPartition,
		&run.BackoffSchedule,
		&run.ExtraSleepMs,
		&state,
		&run.Version,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return backfill.BackfillRun{}, err
	}

	if err := json.Unmarshal([]byte(params), &run.Parameters); err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to decode parameters: %w", err)
	}
	run.State = backfill.RunState(state)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		run.CompletedAt = &t
	}
	return run, nil
}

func scanPartition(row scanner) (backfill.RunPartition, error) {
	var (
		p           backfill.RunPartition
		state       string
		expiresAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&p.ID,
		&p.RunID,
		&p.PartitionName,
		&p.BackfillRange.Start,
		&p.BackfillRange.End,
		&p.PkeyCursor,
		&state,
		&p.LeaseToken,
		&expiresAt,
		&p.PrecomputingPkeyCursor,
		&p.PrecomputingDone,
		&p.BackfilledScannedRecordCount,
		&p.BackfilledMatchingRecordCount,
		&p.ComputedScannedRecordCount,
		&p.ComputedMatchingRecordCount,
		&p.ScannedRecordsPerMinute,
		&p.MatchingRecordsPerMinute,
		&p.Version,
		&completedAt,
	)
	if err != nil {
		return backfill.RunPartition{}, err
	}

	p.RunState = backfill.RunState(state)
	p.LeaseExpiresAt = fromMillis(expiresAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		p.CompletedAt = &t
	}
	return p, nil
}

// CreateRun persists a new run and its partitions in one transaction.
func (s *Store) CreateRun(ctx context.Context, run backfill.BackfillRun, partitions []backfill.RunPartition) (backfill.BackfillRun, error) {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to encode parameters: %w", err)
	}

	now := s.now()
	run.ID = uuid.New().String()
	if run.State == "" {
		run.State = backfill.RunStatePaused
	}
	run.Version = 1
	run.CreatedAt = time.UnixMilli(now.UnixMilli())
	run.UpdatedAt = run.CreatedAt
	run.CompletedAt = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertRun := s.q(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, s.tables.RunsTable, runColumns))

	_, err = tx.ExecContext(ctx, insertRun,
		run.ID, run.ServiceName, run.BackfillName, string(params), run.DryRun,
		run.BatchSize, run.ScanSize, run.ThreadsPerPartition, run.BackoffSchedule, run.ExtraSleepMs,
		string(run.State), run.Version, toMillis(run.CreatedAt), toMillis(run.UpdatedAt),
	)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to create run: %w", err)
	}

	insertPartition := s.q(fmt.Sprintf(`
		INSERT INTO %s (id, run_id, partition_name, range_start, range_end, pkey_cursor, run_state,
			precomputing_pkey_cursor, precomputing_done, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, s.tables.PartitionsTable))

	for _, p := range partitions {
		_, err := tx.ExecContext(ctx, insertPartition,
			uuid.New().String(), run.ID, p.PartitionName,
			nullBytes(p.BackfillRange.Start), nullBytes(p.BackfillRange.End), nullBytes(p.PkeyCursor),
			string(run.State), nullBytes(p.PrecomputingPkeyCursor), p.PrecomputingDone,
		)
		if err != nil {
			return backfill.BackfillRun{}, fmt.Errorf("failed to create partition %s: %w", p.PartitionName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to commit run: %w", err)
	}

	return run, nil
}

// GetRun returns a run by ID.
// Returns backfill.ErrRunNotFound if the run does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (backfill.BackfillRun, error) {
	return s.getRun(ctx, s.db, runID)
}

func (s *Store) getRun(ctx context.Context, q querier, runID string) (backfill.BackfillRun, error) {
	query := s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, runColumns, s.tables.RunsTable))

	run, err := scanRun(q.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return backfill.BackfillRun{}, backfill.ErrRunNotFound
	}
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) (runs []backfill.BackfillRun, err error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id`, runColumns, s.tables.RunsTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	runs = []backfill.BackfillRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// GetPartition returns a partition by ID.
// Returns backfill.ErrPartitionNotFound if the partition does not exist.
func (s *Store) GetPartition(ctx context.Context, partitionID string) (backfill.RunPartition, error) {
	query := s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, partitionColumns, s.tables.PartitionsTable))

	p, err := scanPartition(s.db.QueryRowContext(ctx, query, partitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return backfill.RunPartition{}, backfill.ErrPartitionNotFound
	}
	if err != nil {
		return backfill.RunPartition{}, fmt.Errorf("failed to get partition: %w", err)
	}
	return p, nil
}

func (s *Store) queryPartitions(ctx context.Context, query string, args ...interface{}) (partitions []backfill.RunPartition, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	partitions = []backfill.RunPartition{}
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partitions: %w", err)
	}

	return partitions, nil
}

// ListPartitions returns the partitions of a run ordered by partition name.
func (s *Store) ListPartitions(ctx context.Context, runID string) ([]backfill.RunPartition, error) {
	query := s.q(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE run_id = ?
		ORDER BY partition_name
	`, partitionColumns, s.tables.PartitionsTable))

	partitions, err := s.queryPartitions(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	return partitions, nil
}

// SetRunState moves a run to state and mirrors it onto partitions that are not COMPLETE.
// The run row is updated with a version check and the whole write is retried on conflict.
func (s *Store) SetRunState(ctx context.Context, runID string, state backfill.RunState) (backfill.BackfillRun, error) {
	for attempt := 0; attempt < store.MaxConflictRetries; attempt++ {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return backfill.BackfillRun{}, err
		}
		if !run.State.CanTransitionTo(state) {
			return backfill.BackfillRun{}, fmt.Errorf("%w: %s -> %s", backfill.ErrInvalidStateTransition, run.State, state)
		}

		updated, err := s.writeRunState(ctx, run, state)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return backfill.BackfillRun{}, err
		}
		return updated, nil
	}

	return backfill.BackfillRun{}, store.ErrTooManyConflicts
}

func (s *Store) writeRunState(ctx context.Context, run backfill.BackfillRun, state backfill.RunState) (backfill.BackfillRun, error) {
	now := time.UnixMilli(s.now().UnixMilli())
	var completedAt interface{}
	if state == backfill.RunStateComplete {
		completedAt = toMillis(now)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updateRun := s.q(fmt.Sprintf(`
		UPDATE %s
		SET state = ?, version = version + 1, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`, s.tables.RunsTable))

	result, err := tx.ExecContext(ctx, updateRun, string(state), toMillis(now), completedAt, run.ID, run.Version)
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to update run state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return backfill.BackfillRun{}, store.ErrVersionConflict
	}

	updatePartitions := s.q(fmt.Sprintf(`
		UPDATE %s
		SET run_state = ?, version = version + 1
		WHERE run_id = ? AND run_state <> ?
	`, s.tables.PartitionsTable))

	if _, err := tx.ExecContext(ctx, updatePartitions, string(state), run.ID, string(backfill.RunStateComplete)); err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to update partition states: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return backfill.BackfillRun{}, fmt.Errorf("failed to commit run state: %w", err)
	}

	run.State = state
	run.Version++
	run.UpdatedAt = now
	if state == backfill.RunStateComplete {
		run.CompletedAt = &now
	}
	return run, nil
}

// FindExpiredLeases returns up to limit RUNNING partitions whose lease expired before now.
func (s *Store) FindExpiredLeases(ctx context.Context, now time.Time, limit int) ([]backfill.RunPartition, error) {
	query := s.q(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE run_state = ? AND lease_expires_at < ?
		ORDER BY lease_expires_at
		LIMIT ?
	`, partitionColumns, s.tables.PartitionsTable))

	partitions, err := s.queryPartitions(ctx, query, string(backfill.RunStateRunning), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}
	return partitions, nil
}

// AcquireLease writes a new lease if the partition is still at expectedVersion.
// Returns store.ErrVersionConflict if the partition changed since it was read.
func (s *Store) AcquireLease(ctx context.Context, partitionID string, expectedVersion int64, token string, expiresAt time.Time) (backfill.RunPartition, error) {
	query := s.q(fmt.Sprintf(`
		UPDATE %s
		SET lease_token = ?, lease_expires_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, s.tables.PartitionsTable))

	result, err := s.db.ExecContext(ctx, query, token, toMillis(expiresAt), partitionID, expectedVersion)
	if err != nil {
		return backfill.RunPartition{}, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return backfill.RunPartition{}, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if err := s.partitionExists(ctx, s.db, partitionID); err != nil {
			return backfill.RunPartition{}, err
		}
		return backfill.RunPartition{}, store.ErrVersionConflict
	}

	return s.GetPartition(ctx, partitionID)
}

// CommitBatch advances the cursor and counters if progress.Cursor lies past the stored cursor.
// Keys compare bytewise in all three dialects, so the guard runs inside the UPDATE.
func (s *Store) CommitBatch(ctx context.Context, partitionID string, progress backfill.BatchProgress) (bool, error) {
	query := s.q(fmt.Sprintf(`
		UPDATE %s
		SET pkey_cursor = ?,
			backfilled_scanned_record_count = backfilled_scanned_record_count + ?,
			backfilled_matching_record_count = backfilled_matching_record_count + ?,
			scanned_records_per_minute = ?,
			matching_records_per_minute = ?,
			version = version + 1
		WHERE id = ? AND (pkey_cursor IS NULL OR pkey_cursor < ?)
	`, s.tables.PartitionsTable))

	result, err := s.db.ExecContext(ctx, query,
		nullBytes(progress.Cursor), progress.ScannedDelta, progress.MatchingDelta,
		progress.ScannedPerMinute, progress.MatchingPerMinute,
		partitionID, nullBytes(progress.Cursor),
	)
	if err != nil {
		return false, fmt.Errorf("failed to commit batch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, s.partitionExists(ctx, s.db, partitionID)
	}
	return true, nil
}

// UpdateRates stores the projected rates of a partition.
// Returns backfill.ErrPartitionNotFound if the partition does not exist.
func (s *Store) UpdateRates(ctx context.Context, partitionID string, scannedPerMinute, matchingPerMinute int64) error {
	query := s.q(fmt.Sprintf(`
		UPDATE %s
		SET scanned_records_per_minute = ?, matching_records_per_minute = ?, version = version + 1
		WHERE id = ?
	`, s.tables.PartitionsTable))

	result, err := s.db.ExecContext(ctx, query, scannedPerMinute, matchingPerMinute, partitionID)
	if err != nil {
		return fmt.Errorf("failed to update rates: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return backfill.ErrPartitionNotFound
	}

	return nil
}

// CommitPrecompute advances the precomputing cursor and counters and applies the done flag.
func (s *Store) CommitPrecompute(ctx context.Context, partitionID string, progress backfill.PrecomputeProgress) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied := false

	if progress.Cursor != nil {
		query := s.q(fmt.Sprintf(`
			UPDATE %s
			SET precomputing_pkey_cursor = ?,
				computed_scanned_record_count = computed_scanned_record_count + ?,
				computed_matching_record_count = computed_matching_record_count + ?,
				version = version + 1
			WHERE id = ? AND (precomputing_pkey_cursor IS NULL OR precomputing_pkey_cursor < ?)
		`, s.tables.PartitionsTable))

		result, err := tx.ExecContext(ctx, query, progress.Cursor, progress.ScannedDelta, progress.MatchingDelta, partitionID, progress.Cursor)
		if err != nil {
			return false, fmt.Errorf("failed to commit precompute: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to check rows affected: %w", err)
		}
		applied = rowsAffected > 0
	}

	if progress.Done {
		query := s.q(fmt.Sprintf(`
			UPDATE %s
			SET precomputing_done = ?, version = version + 1
			WHERE id = ? AND precomputing_done = ?
		`, s.tables.PartitionsTable))

		result, err := tx.ExecContext(ctx, query, true, partitionID, false)
		if err != nil {
			return false, fmt.Errorf("failed to mark precompute done: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to check rows affected: %w", err)
		}
		applied = applied || rowsAffected > 0
	}

	if !applied {
		if err := s.partitionExists(ctx, tx, partitionID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit precompute: %w", err)
	}
	return applied, nil
}

// CompletePartition marks a RUNNING partition COMPLETE and, in the same transaction,
// the run once no partition of it is left open.
// The run row is locked before the partition is touched, the same order SetRunState
// writes in, so sibling completions queue on it and the last one sees every other flip.
func (s *Store) CompletePartition(ctx context.Context, partitionID string) (store.Completion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Completion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var runID string
	runOf := s.q(fmt.Sprintf(`SELECT run_id FROM %s WHERE id = ?`, s.tables.PartitionsTable))
	err = tx.QueryRowContext(ctx, runOf, partitionID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Completion{}, backfill.ErrPartitionNotFound
	}
	if err != nil {
		return store.Completion{}, fmt.Errorf("failed to get partition run: %w", err)
	}

	lockRun := s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?%s`, runColumns, s.tables.RunsTable, forUpdate(s.dialect)))
	run, err := scanRun(tx.QueryRowContext(ctx, lockRun, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Completion{}, backfill.ErrRunNotFound
	}
	if err != nil {
		return store.Completion{}, fmt.Errorf("failed to lock run: %w", err)
	}

	now := toMillis(s.now())
	running := string(backfill.RunStateRunning)
	complete := string(backfill.RunStateComplete)

	completePartition := s.q(fmt.Sprintf(`
		UPDATE %s
		SET run_state = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND run_state = ?
	`, s.tables.PartitionsTable))

	result, err := tx.ExecContext(ctx, completePartition, complete, now, partitionID, running)
	if err != nil {
		return store.Completion{}, fmt.Errorf("failed to complete partition: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.Completion{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.Completion{}, nil
	}

	done := store.Completion{Partition: true}

	if run.State == backfill.RunStateRunning {
		countOpen := s.q(fmt.Sprintf(`
			SELECT COUNT(*) FROM %s WHERE run_id = ? AND run_state <> ?%s
		`, s.tables.PartitionsTable, currentRead(s.dialect)))

		var open int64
		if err := tx.QueryRowContext(ctx, countOpen, runID, complete).Scan(&open); err != nil {
			return store.Completion{}, fmt.Errorf("failed to count open partitions: %w", err)
		}

		if open == 0 {
			completeRun := s.q(fmt.Sprintf(`
				UPDATE %s
				SET state = ?, version = version + 1, updated_at = ?, completed_at = ?
				WHERE id = ? AND version = ? AND state = ?
			`, s.tables.RunsTable))

			result, err := tx.ExecContext(ctx, completeRun, complete, now, now, runID, run.Version, running)
			if err != nil {
				return store.Completion{}, fmt.Errorf("failed to complete run: %w", err)
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return store.Completion{}, fmt.Errorf("failed to check rows affected: %w", err)
			}
			if rowsAffected == 0 {
				return store.Completion{}, store.ErrVersionConflict
			}
			done.Run = true
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Completion{}, fmt.Errorf("failed to commit completion: %w", err)
	}
	return done, nil
}

// partitionExists returns nil if the partition exists and backfill.ErrPartitionNotFound otherwise.
func (s *Store) partitionExists(ctx context.Context, q querier, partitionID string) error {
	query := s.q(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.tables.PartitionsTable))

	var one int
	err := q.QueryRowContext(ctx, query, partitionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return backfill.ErrPartitionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check partition: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
