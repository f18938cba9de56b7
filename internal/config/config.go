// Package config loads the shell's own settings: an optional TOML file with
// FURNIVIA_* environment overrides, resolved into absolute paths under the
// per-user data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/viarom/furnivia/internal/env"
	"github.com/viarom/furnivia/internal/logger"
)

const (
	// AppName names the per-user data directory.
	AppName   = "FurniVIA"
	EnvPrefix = "FURNIVIA"

	// defaultSecret keys stored field encryption when no secret is configured.
	defaultSecret = "furnivia-local-config-secret"
)

// Settings is the top-level TOML structure.
type Settings struct {
	Name         string   `mapstructure:"name"`
	Dev          bool     `mapstructure:"dev"`
	DataDir      string   `mapstructure:"data_dir"`
	ResourcesDir string   `mapstructure:"resources_dir"`
	WorkDir      string   `mapstructure:"work_dir"`
	Secret       string   `mapstructure:"secret"`
	Env          []string `mapstructure:"env"`
	EnvFiles     []string `mapstructure:"env_files"`
	UseOSEnv     bool     `mapstructure:"use_os_env"`

	Backend  BackendConfig  `mapstructure:"backend"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Log      LogConfig      `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Instance InstanceConfig `mapstructure:"instance"`
}

type BackendConfig struct {
	Python    string        `mapstructure:"python"`
	Module    string        `mapstructure:"module"`
	App       string        `mapstructure:"app"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	EnvFile   string        `mapstructure:"env_file"` // source of the first-run DATABASE_URL
	PIDFile   string        `mapstructure:"pid_file"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
	Scanner   string        `mapstructure:"scanner"` // gopsutil, netstat, lsof or none
	Checker   string        `mapstructure:"checker"` // pgx or script
}

type TimeoutConfig struct {
	Close      time.Duration `mapstructure:"close"`
	BeforeQuit time.Duration `mapstructure:"before_quit"`
	Restart    time.Duration `mapstructure:"restart"`
	Connect    time.Duration `mapstructure:"connect"`
}

type BridgeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      *bool  `mapstructure:"color"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"` // empty: sqlite in the data dir
}

type MetricsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Resources        bool          `mapstructure:"resources"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	ResourceHistory  int           `mapstructure:"resource_history"`
}

type InstanceConfig struct {
	Single bool `mapstructure:"single"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", AppName)
	v.SetDefault("dev", false)
	v.SetDefault("data_dir", "")
	v.SetDefault("resources_dir", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("secret", defaultSecret)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("backend.python", "python")
	v.SetDefault("backend.module", "uvicorn")
	v.SetDefault("backend.app", "main:app")
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", 8000)
	v.SetDefault("backend.env_file", "")
	v.SetDefault("backend.pid_file", "")
	v.SetDefault("backend.kill_grace", "3s")
	v.SetDefault("backend.scanner", "gopsutil")
	v.SetDefault("backend.checker", "pgx")

	v.SetDefault("timeouts.close", "2s")
	v.SetDefault("timeouts.before_quit", "1s")
	v.SetDefault("timeouts.restart", "2s")
	v.SetDefault("timeouts.connect", "10s")

	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.addr", "127.0.0.1:0")
	v.SetDefault("bridge.base_path", "/bridge")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources", false)
	v.SetDefault("metrics.resource_interval", "5s")
	v.SetDefault("metrics.resource_history", 120)

	v.SetDefault("instance.single", true)
}

// Load reads path (optional) and applies FURNIVIA_* overrides, e.g.
// FURNIVIA_DEV=1 or FURNIVIA_BACKEND_PORT=8001. Relative and empty paths are
// resolved against the data and resources directories.
func Load(path string) (*Settings, error) { return LoadWith(path, nil) }

// LoadWith is Load with explicit key overrides (e.g. from command-line
// flags) that take precedence over the file and the environment.
func LoadWith(path string, overrides map[string]any) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.resolve(); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) resolve() error {
	if s.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("locate user config dir: %w", err)
		}
		s.DataDir = filepath.Join(base, AppName)
	}
	if s.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		s.WorkDir = wd
	}
	if s.ResourcesDir == "" {
		s.ResourcesDir = defaultResourcesDir()
	}
	if s.Log.Dir == "" {
		s.Log.Dir = filepath.Join(s.DataDir, "logs")
	}
	if s.Backend.PIDFile == "" {
		s.Backend.PIDFile = filepath.Join(s.DataDir, "backend.pid")
	}
	if s.Backend.EnvFile == "" {
		s.Backend.EnvFile = filepath.Join(s.BackendDir(), ".env")
	}
	if s.History.Enabled && len(s.History.DSNs) == 0 {
		s.History.DSNs = []string{"sqlite://" + filepath.Join(s.DataDir, "history.db")}
	}
	return nil
}

func (s *Settings) validate() error {
	if s.Backend.Port <= 0 || s.Backend.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", s.Backend.Port)
	}
	switch s.Backend.Checker {
	case "pgx", "script":
	default:
		return fmt.Errorf("unknown backend.checker %q", s.Backend.Checker)
	}
	if s.Timeouts.Close <= 0 || s.Timeouts.BeforeQuit <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// defaultResourcesDir is the "resources" directory next to the executable.
func defaultResourcesDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "resources"
	}
	return filepath.Join(filepath.Dir(exe), "resources")
}

// BackendDir is where the backend sources live: next to the working directory
// in development, under the resources directory when packaged.
func (s *Settings) BackendDir() string {
	if s.Dev {
		return filepath.Join(s.WorkDir, "..", "backend")
	}
	return filepath.Join(s.ResourcesDir, "backend")
}

// Logger maps the log section onto logger.Config.
func (s *Settings) Logger() logger.Config {
	return logger.Config{
		Level:  s.Log.Level,
		Format: s.Log.Format,
		Color:  s.Log.Color,
		File: logger.FileConfig{
			Dir:        s.Log.Dir,
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			MaxAgeDays: s.Log.MaxAgeDays,
			Compress:   s.Log.Compress,
		},
	}
}

// GlobalEnv builds the extra backend environment: OS env (when enabled) as
// the base, then env_files in order, then the top-level env list.
func (s *Settings) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if s.UseOSEnv {
		e.FromOS()
	} else {
		e.WithoutOS()
	}
	for _, p := range s.EnvFiles {
		if err := e.Load(filepath.Clean(p)); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	for _, kv := range s.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q", kv)
		}
		e.Set(k, v)
	}
	return e, nil
}
