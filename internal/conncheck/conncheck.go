// Package conncheck verifies that a candidate database configuration is
// reachable before it is persisted.
package conncheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/metrics"
)

// DefaultTimeout bounds a single connection check.
const DefaultTimeout = 10 * time.Second

// Checker attempts a connection against url and reports why it failed.
type Checker interface {
	Check(ctx context.Context, url string) error
}

// PgxChecker connects directly with pgx, pings and closes.
type PgxChecker struct {
	Timeout time.Duration
}

// Check succeeds only when the connection was established and cleanly closed.
func (c PgxChecker) Check(ctx context.Context, url string) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}
	cfg.ConnectTimeout = timeout

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return describe(ctx, "connect", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(context.Background())
		return describe(ctx, "ping", err)
	}
	if err := conn.Close(ctx); err != nil {
		return describe(ctx, "close", err)
	}
	return nil
}

func describe(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("database %s timed out: %w", op, err)
	}
	return fmt.Errorf("database %s failed: %w", op, err)
}

// Validator gates configuration saves on a successful connection check.
type Validator struct {
	checker Checker
}

// NewValidator uses checker, or a PgxChecker with the default timeout when nil.
func NewValidator(checker Checker) *Validator {
	if checker == nil {
		checker = PgxChecker{Timeout: DefaultTimeout}
	}
	return &Validator{checker: checker}
}

// TestConnection validates cfg's shape and then checks the URL. Failures are
// always returned, never swallowed.
func (v *Validator) TestConnection(ctx context.Context, cfg dbconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	start := time.Now()
	err := v.checker.Check(ctx, cfg.URL)
	metrics.IncConnectionCheck(err == nil)
	slog.Debug("connection check", "type", cfg.Type, "host", cfg.Host, "ok", err == nil, "elapsed", time.Since(start))
	return err
}
