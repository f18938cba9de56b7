package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/viarom/furnivia"
	"github.com/viarom/furnivia/internal/app"
	"github.com/viarom/furnivia/internal/config"
	"github.com/viarom/furnivia/internal/conncheck"
	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/history"
	"github.com/viarom/furnivia/internal/logger"
	"github.com/viarom/furnivia/internal/process"
	"github.com/viarom/furnivia/internal/profile"
	"github.com/viarom/furnivia/pkg/client"
)

// finalStopWait bounds how long run waits for a backend still terminating
// after the quit timeout.
const finalStopWait = 5 * time.Second

type command struct {
	out io.Writer
}

func (c command) settings(g *GlobalFlags) (*config.Settings, error) {
	overrides := map[string]any{}
	if g.Dev {
		overrides["dev"] = true
	}
	if g.DataDir != "" {
		overrides["data_dir"] = g.DataDir
	}
	return config.LoadWith(g.ConfigPath, overrides)
}

// quietLogger logs CLI helpers to stderr only.
func quietLogger(s *config.Settings) {
	lc := s.Logger()
	lc.File = logger.FileConfig{}
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	l, _ := logger.Setup(config.AppName, lc, os.Stderr)
	slog.SetDefault(l)
}

// liveShell returns a client for a running shell, or nil when none answers.
func liveShell(ctx context.Context, s *config.Settings) *client.Client {
	b, err := os.ReadFile(app.BridgeURLFile(s))
	if err != nil {
		return nil
	}
	cl := client.New(client.Config{
		BaseURL:  strings.TrimSpace(string(b)),
		BasePath: s.Bridge.BasePath,
		Timeout:  s.Timeouts.Connect + s.Timeouts.Restart + 5*time.Second,
	})
	if !cl.IsReachable(ctx) {
		return nil
	}
	return cl
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

// Run supervises the backend headless until interrupted.
func (c command) Run(g *GlobalFlags, f RunFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	if f.NoBridge {
		s.Bridge.Enabled = false
	}
	l, closer := logger.Setup(config.AppName, s.Logger(), os.Stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shell, err := furnivia.New(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = shell.Close() }()
	if err := shell.Run(ctx); err != nil {
		return err
	}
	shell.StopBackend(finalStopWait)
	return nil
}

// ConfigShow prints the stored database configuration.
func (c command) ConfigShow(g *GlobalFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	configs, _, err := app.Repositories(s)
	if err != nil {
		return err
	}
	cfg, ok := configs.Get()
	if !ok {
		return errors.New("no database configuration stored")
	}
	c.printJSON(cfg)
	return nil
}

// ConfigSetDB tests and stores a new database configuration. With a shell
// running the change goes through its bridge, which restarts the backend.
func (c command) ConfigSetDB(g *GlobalFlags, f SetDBFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	configs, _, err := app.Repositories(s)
	if err != nil {
		return err
	}
	cfg := dbconfig.FromURL(f.URL)
	if f.Type != "" {
		cfg.Type = dbconfig.Type(f.Type)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cl := liveShell(context.Background(), s); cl != nil && !f.SkipTest {
		res, err := cl.SaveConfiguration(context.Background(), cfg)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("connection test failed: %s", res.Error)
		}
		if res.Warning != "" {
			slog.Warn(res.Warning)
		}
		c.printJSON(cfg)
		return nil
	}
	if !f.SkipTest {
		if err := conncheck.NewValidator(app.Checker(s)).TestConnection(context.Background(), cfg); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
	}
	if err := configs.Save(cfg); err != nil {
		return err
	}
	c.printJSON(cfg)
	return nil
}

func (c command) ProfileGet(g *GlobalFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	_, profiles, err := app.Repositories(s)
	if err != nil {
		return err
	}
	p, err := profiles.Get()
	if err != nil {
		return err
	}
	if p == nil {
		_, _ = fmt.Fprintln(c.out, "null")
		return nil
	}
	if p.SMTPPass != "" {
		p.SMTPPass = dbconfig.PasswordMask
	}
	c.printJSON(p)
	return nil
}

func (c command) ProfileSet(g *GlobalFlags, f ProfileFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	_, profiles, err := app.Repositories(s)
	if err != nil {
		return err
	}
	return profiles.Set(profile.Profile{
		Email:      f.Email,
		SMTPServer: f.SMTPServer,
		SMTPPort:   f.SMTPPort,
		SMTPUser:   f.SMTPUser,
		SMTPPass:   f.SMTPPass,
		Name:       f.Name,
		Role:       f.Role,
		Mobile:     f.Mobile,
		Landline:   f.Landline,
	})
}

func (c command) ProfileClear(g *GlobalFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	_, profiles, err := app.Repositories(s)
	if err != nil {
		return err
	}
	profiles.Clear()
	return nil
}

// TestConnection checks f.URL, or the stored configuration when empty.
func (c command) TestConnection(g *GlobalFlags, f TestConnectionFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	var cfg dbconfig.Config
	if f.URL != "" {
		cfg = dbconfig.FromURL(f.URL)
	} else {
		configs, _, err := app.Repositories(s)
		if err != nil {
			return err
		}
		var ok bool
		if cfg, ok = configs.Get(); !ok {
			return errors.New("no database configuration stored")
		}
	}
	if f.Timeout > 0 {
		s.Timeouts.Connect = f.Timeout
	}
	if err := conncheck.NewValidator(app.Checker(s)).TestConnection(context.Background(), cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Connection successful")
	return nil
}

// Reclaim kills whatever listens on the backend port.
func (c command) Reclaim(g *GlobalFlags, f ReclaimFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	r, err := app.Reclaimer(s)
	if err != nil {
		return err
	}
	port := f.Port
	if port <= 0 {
		port = s.Backend.Port
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()
	if err := r.Reclaim(ctx, port); err != nil {
		return err
	}
	if !r.Free(ctx, port) {
		return fmt.Errorf("port %d is still in use", port)
	}
	_, _ = fmt.Fprintf(c.out, "port %d is free\n", port)
	return nil
}

type statusReport struct {
	Running bool            `json:"running"`
	PID     int             `json:"pid,omitempty"`
	Port    int             `json:"port"`
	Shell   *client.Health  `json:"shell,omitempty"`
	Recent  []history.Event `json:"recent,omitempty"`
}

// Status reports the backend recorded in the pid file and recent history.
func (c command) Status(g *GlobalFlags, f StatusFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	rep := statusReport{Port: s.Backend.Port}
	if pid, _, err := process.ReadPIDFile(s.Backend.PIDFile); err == nil && process.Alive(pid) {
		rep.Running = true
		rep.PID = pid
	}
	ctx := context.Background()
	if cl := liveShell(ctx, s); cl != nil {
		if h, err := cl.Health(ctx); err == nil {
			rep.Shell = &h
		}
	}
	sinks := app.OpenHistory(ctx, s)
	defer func() {
		for _, sk := range sinks {
			if cl, ok := sk.(io.Closer); ok {
				_ = cl.Close()
			}
		}
	}()
	if f.Limit > 0 && len(sinks) > 0 {
		events, err := app.Recent(ctx, sinks, f.Limit)
		if err != nil {
			slog.Warn("read history", "error", err)
		}
		rep.Recent = events
	}
	c.printJSON(rep)
	return nil
}

// Follow prints the running shell's backend output and notifications until
// interrupted.
func (c command) Follow(g *GlobalFlags) error {
	s, err := c.settings(g)
	if err != nil {
		return err
	}
	quietLogger(s)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cl := liveShell(ctx, s)
	if cl == nil {
		return errors.New("no running shell found")
	}
	msgs, err := cl.Events(ctx)
	if err != nil {
		return err
	}
	for m := range msgs {
		switch m.Data.Kind {
		case "output":
			_, _ = fmt.Fprintln(c.out, m.Data.Line)
		case "state":
			_, _ = fmt.Fprintf(c.out, "[backend %s pid=%d]\n", m.Data.State, m.Data.PID)
		case "error":
			_, _ = fmt.Fprintf(c.out, "[%s] %s\n", m.Data.Title, m.Data.Message)
		}
	}
	return nil
}
