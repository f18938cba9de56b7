package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder and DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to a backend_history table. The schema is created
// if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink takes ownership of db.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("nil database for SQL history sink")
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_history(
			id ` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at ` + ts + ` NULL,
			stopped_at ` + ts + ` NULL,
			exit_code INTEGER NULL,
			intentional BOOLEAN NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_history_occurred ON backend_history(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create history schema: %w", err)
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO backend_history(occurred_at, event, name, pid, started_at, stopped_at, exit_code, intentional, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), string(e.Type), rec.Name, rec.PID,
		nullTime(rec.StartedAt), nullTime(rec.StoppedAt), nullInt(rec.ExitCode), rec.Intentional, nullString(rec.Detail))
	return err
}

// Recent returns up to limit events, newest first.
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT occurred_at, event, name, pid, started_at, stopped_at, exit_code, intentional, detail
		FROM backend_history ORDER BY occurred_at DESC, id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e                Event
			typ              string
			started, stopped sql.NullTime
			exitCode         sql.NullInt64
			detail           sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.Name, &e.Record.PID, &started, &stopped, &exitCode, &e.Record.Intentional, &detail); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Record.StartedAt = started.Time
		e.Record.StoppedAt = stopped.Time
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.Record.ExitCode = &c
		}
		e.Record.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for postgres.
func (s *SQLSink) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
