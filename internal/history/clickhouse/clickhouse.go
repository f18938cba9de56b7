package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/viarom/furnivia/internal/history"
)

// Options selects the server and table.
type Options struct {
	Addr     string // host:port of the native interface
	Database string
	Username string
	Password string
	Table    string
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table when missing.
func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "backend_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		type String,
		occurred_at DateTime64(6),
		name String,
		pid Int64,
		started_at Nullable(DateTime64(6)),
		stopped_at Nullable(DateTime64(6)),
		exit_code Nullable(Int32),
		intentional Bool,
		detail String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, name)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, pid, started_at, stopped_at, exit_code, intentional, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	rec := e.Record
	var exitCode *int32
	if rec.ExitCode != nil {
		c := int32(*rec.ExitCode) // #nosec G115
		exitCode = &c
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.Name,
		int64(rec.PID),
		optionalTime(rec.StartedAt),
		optionalTime(rec.StoppedAt),
		exitCode,
		rec.Intentional,
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of stored events, for diagnostics.
func (s *Sink) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table).Scan(&n)
	return n, err
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
