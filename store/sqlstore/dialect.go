package sqlstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/getpup/backfill-orchestrator/pkg/migrations"
)

// rebind rewrites ? placeholders into the dialect's placeholder syntax.
func rebind(dialect migrations.Dialect, query string) string {
	if dialect != migrations.Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the clause that write-locks the selected rows.
// SQLite locks the whole database on the first write, so it needs none.
func forUpdate(dialect migrations.Dialect) string {
	if dialect == migrations.SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// currentRead returns the clause that makes a SELECT see rows committed after the
// transaction started. Only MySQL's repeatable read snapshot needs it.
func currentRead(dialect migrations.Dialect) string {
	if dialect == migrations.MySQL {
		return " LOCK IN SHARE MODE"
	}
	return ""
}

// Migrate creates the run tables if they do not exist.
// Statements are executed one at a time since MySQL rejects multi-statement execs by default.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, err := migrations.Statements(s.dialect, s.tables)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes the run tables.
func (s *Store) Drop(ctx context.Context) error {
	stmts, err := migrations.DownStatements(s.tables)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// nullBytes passes a nil key as an untyped nil so every driver writes NULL.
func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
