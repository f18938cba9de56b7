// Package bridge is the only way the UI reaches the shell. Requests are
// dispatched by channel name against a fixed allow-list; backend output and
// errors are pushed back on a single notification channel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/metrics"
	"github.com/viarom/furnivia/internal/profile"
)

// Channel names.
const (
	GetConfiguration          = "get-configuration"
	SaveConfiguration         = "save-configuration"
	GetUserProfile            = "get-user-profile"
	SetUserProfile            = "set-user-profile"
	ClearUserProfile          = "clear-user-profile"
	BackendOutputNotification = "backend-output-notification"
)

// ErrNotAllowed is returned for any channel outside the allow-list.
var ErrNotAllowed = errors.New("bridge channel not allowed")

const (
	defaultRestartTimeout = 2 * time.Second
	connectFailedMessage  = "Failed to connect to database"
)

// ConfigStore persists the database configuration.
type ConfigStore interface {
	Get() (dbconfig.Config, bool)
	Save(cfg dbconfig.Config) error
}

// ProfileStore persists the user profile.
type ProfileStore interface {
	Get() (*profile.Profile, error)
	Set(p profile.Profile) error
	Clear()
}

// ConnectionTester validates a candidate configuration.
type ConnectionTester interface {
	TestConnection(ctx context.Context, cfg dbconfig.Config) error
}

// Restarter restarts the backend with the stored configuration.
type Restarter interface {
	Restart(ctx context.Context, timeout time.Duration) error
}

// SaveResult is the reply to save-configuration.
type SaveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Deps are the collaborators behind the invoke channels.
type Deps struct {
	Configs        ConfigStore
	Profiles       ProfileStore
	Tester         ConnectionTester
	Backend        Restarter
	RestartTimeout time.Duration
}

type handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Bridge dispatches invoke requests and owns the push hub.
type Bridge struct {
	deps     Deps
	handlers map[string]handler
	hub      *Hub
}

// New builds a bridge over deps.
func New(deps Deps) *Bridge {
	if deps.RestartTimeout <= 0 {
		deps.RestartTimeout = defaultRestartTimeout
	}
	b := &Bridge{deps: deps, hub: NewHub()}
	b.handlers = map[string]handler{
		GetConfiguration:  b.getConfiguration,
		SaveConfiguration: b.saveConfiguration,
		GetUserProfile:    b.getUserProfile,
		SetUserProfile:    b.setUserProfile,
		ClearUserProfile:  b.clearUserProfile,
	}
	return b
}

// Hub returns the push hub.
func (b *Bridge) Hub() *Hub { return b.hub }

// Allowed reports whether name is an invoke channel.
func (b *Bridge) Allowed(name string) bool {
	_, ok := b.handlers[name]
	return ok
}

// Invoke runs the handler for name. Unknown names, including push-only
// channels, fail with ErrNotAllowed.
func (b *Bridge) Invoke(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	h, ok := b.handlers[name]
	if !ok {
		metrics.IncBridgeInvocation("rejected", "not_allowed")
		slog.Warn("rejected bridge call", "channel", name)
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, name)
	}
	res, err := h(ctx, payload)
	if err != nil {
		metrics.IncBridgeInvocation(name, "error")
		return nil, err
	}
	metrics.IncBridgeInvocation(name, "ok")
	return res, nil
}

func (b *Bridge) getConfiguration(context.Context, json.RawMessage) (any, error) {
	cfg, ok := b.deps.Configs.Get()
	if !ok {
		return nil, nil
	}
	return cfg, nil
}

// saveConfiguration persists a configuration only after it connects, then
// restarts the backend. A failed restart keeps the new configuration and is
// reported as a warning.
func (b *Bridge) saveConfiguration(ctx context.Context, payload json.RawMessage) (any, error) {
	var cfg dbconfig.Config
	if err := decode(payload, &cfg); err != nil {
		return SaveResult{Error: "invalid configuration: " + err.Error()}, nil
	}
	cfg.Normalize()
	if err := b.deps.Tester.TestConnection(ctx, cfg); err != nil {
		slog.Warn("database connection test failed", "host", cfg.Host, "error", err)
		msg := err.Error()
		if msg == "" {
			msg = connectFailedMessage
		}
		return SaveResult{Error: msg}, nil
	}
	if err := b.deps.Configs.Save(cfg); err != nil {
		return SaveResult{Error: "save configuration: " + err.Error()}, nil
	}
	slog.Info("database configuration saved", "type", cfg.Type, "host", cfg.Host, "database", cfg.Database)
	if b.deps.Backend == nil {
		return SaveResult{Success: true}, nil
	}
	if err := b.deps.Backend.Restart(ctx, b.deps.RestartTimeout); err != nil {
		slog.Error("backend restart after configuration change", "error", err)
		return SaveResult{Success: true, Warning: "configuration saved but the backend failed to restart: " + err.Error()}, nil
	}
	return SaveResult{Success: true}, nil
}

func (b *Bridge) getUserProfile(context.Context, json.RawMessage) (any, error) {
	p, err := b.deps.Profiles.Get()
	if err != nil || p == nil {
		return nil, err
	}
	return p, nil
}

func (b *Bridge) setUserProfile(_ context.Context, payload json.RawMessage) (any, error) {
	var p profile.Profile
	if err := decode(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if err := b.deps.Profiles.Set(p); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) clearUserProfile(context.Context, json.RawMessage) (any, error) {
	b.deps.Profiles.Clear()
	return nil, nil
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(payload, v)
}
