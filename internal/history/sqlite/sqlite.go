// Package sqlite is the default history store: a local file under the data
// directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/viarom/furnivia/internal/history"
)

const memory = ":memory:"

// New opens a SQLite history sink, creating the file and its directory.
// Accepted forms: "sqlite:///path/to/file.db", "/path/to/file.db" and
// ":memory:" (with or without the sqlite:// prefix).
func New(ctx context.Context, dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if dsn != memory {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		// the CLI may read while the shell writes
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	// one writer; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)
	return history.NewSQLSink(ctx, db, history.DialectSQLite)
}
