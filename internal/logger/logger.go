package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // base directory for logs
	StdoutPath string `mapstructure:"stdout"`      // explicit stdout path overrides Dir
	StderrPath string `mapstructure:"stderr"`      // explicit stderr path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"` // gzip rotated files
}

// Config is the shell's logging configuration: the slog handler for the shell
// itself plus rotated files for the supervised backend's output.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  *bool      `mapstructure:"color"`  // nil = auto-detect TTY
	File   FileConfig `mapstructure:"file"`
}

// ProcessWriters returns io.WriteClosers for the stdout and stderr of the named process.
// Either writer is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// Setup builds the shell logger writing to w and, when File.Dir is set, also to
// Dir/<app>.log. The returned closer releases the rotated file.
func Setup(app string, c Config, w io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var closer io.Closer = nopCloser{}
	out := w
	if c.File.Dir != "" {
		_ = os.MkdirAll(c.File.Dir, 0o750)
		f := c.File.rotated(filepath.Join(c.File.Dir, app+".log"))
		closer = f
		out = io.MultiWriter(w, f)
	}

	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		h = slog.NewJSONHandler(out, opts)
	case useColor(c.Color, w) && c.File.Dir == "":
		h = NewColorTextHandler(out, opts, true)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useColor(pref *bool, w io.Writer) bool {
	if pref != nil {
		return *pref
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
