package conncheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// helperScript is provisioned next to the backend in development mode.
const helperScript = `import sys
import psycopg2

db_url = sys.argv[1]

try:
    conn = psycopg2.connect(db_url)
    conn.close()
    print("Connection successful")
    sys.exit(0)
except Exception as e:
    print(f"Connection failed: {str(e)}")
    sys.exit(1)
`

// ScriptChecker runs the backend's Python helper, which uses the same driver
// the backend does.
type ScriptChecker struct {
	Python     string // interpreter, default "python"
	ScriptPath string // path to test_connection.py
	Dev        bool   // write the helper when it is missing
	Timeout    time.Duration
}

// EnsureScript writes the helper when running in development mode and it is absent.
func (c ScriptChecker) EnsureScript() error {
	if _, err := os.Stat(c.ScriptPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if !c.Dev {
		return fmt.Errorf("connection test script not found at %s", c.ScriptPath)
	}
	if err := os.MkdirAll(filepath.Dir(c.ScriptPath), 0o750); err != nil {
		return err
	}
	return os.WriteFile(c.ScriptPath, []byte(helperScript), 0o600)
}

// Check runs the helper with url as its only argument.
func (c ScriptChecker) Check(ctx context.Context, url string) error {
	if err := c.EnsureScript(); err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	python := c.Python
	if python == "" {
		python = "python"
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, python, "-u", c.ScriptPath, url)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("connection test timed out after %s", timeout)
	}
	if msg := lastLine(out.String()); msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("connection test failed: %w", err)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
