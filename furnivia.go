// Package furnivia embeds the FurniVIA desktop shell: it supervises the
// Python backend, persists the database configuration and user profile, and
// coordinates shutdown with the host's windows.
package furnivia

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viarom/furnivia/internal/app"
	"github.com/viarom/furnivia/internal/config"
	"github.com/viarom/furnivia/internal/dialog"
	"github.com/viarom/furnivia/internal/history"
	"github.com/viarom/furnivia/internal/lifecycle"
	"github.com/viarom/furnivia/internal/metrics"
)

// Re-exported types. These are aliases so conversions are free.

type Settings = config.Settings

type Status = app.Status

type Host = app.Host

type Window = lifecycle.Window

type Presenter = dialog.Presenter

type Event = history.Event

type Option = app.Option

// ErrAlreadyRunning is returned by New while another shell holds the lock.
var ErrAlreadyRunning = app.ErrAlreadyRunning

func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

func WithHost(h Host) Option                        { return app.WithHost(h) }
func WithDialogs(p Presenter) Option                { return app.WithDialogs(p) }
func WithRegistry(r prometheus.Registerer) Option   { return app.WithRegistry(r) }
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// Shell is a thin facade over internal/app.App.
type Shell struct{ inner *app.App }

func New(ctx context.Context, s *Settings, opts ...Option) (*Shell, error) {
	a, err := app.New(ctx, s, opts...)
	if err != nil {
		return nil, err
	}
	return &Shell{inner: a}, nil
}

// Run boots the backend and window and blocks until the shell quits or ctx
// is cancelled.
func (s *Shell) Run(ctx context.Context) error { return s.inner.Run(ctx) }
func (s *Shell) Close() error                  { return s.inner.Close() }
func (s *Shell) Status() Status                { return s.inner.Status() }
func (s *Shell) BridgeAddr() string            { return s.inner.BridgeAddr() }

func (s *Shell) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.inner.Recent(ctx, limit)
}

// Invoke calls an allow-listed bridge channel, as the UI would.
func (s *Shell) Invoke(ctx context.Context, channel string, payload []byte) (any, error) {
	return s.inner.Bridge().Invoke(ctx, channel, payload)
}

// StopBackend stops the backend and reports whether it exited within timeout.
func (s *Shell) StopBackend(timeout time.Duration) bool {
	return s.inner.Supervisor().Stop(timeout)
}

// OnWindowClose forwards the host's close request. It returns true when the
// window may close immediately.
func (s *Shell) OnWindowClose() bool { return s.inner.Coordinator().OnWindowClose() }
func (s *Shell) OnWindowClosed()     { s.inner.Coordinator().OnWindowClosed() }
func (s *Shell) OnAllWindowsClosed() { s.inner.Coordinator().OnAllWindowsClosed() }
func (s *Shell) OnBeforeQuit()       { s.inner.Coordinator().OnBeforeQuit() }

func (s *Shell) OnActivate(ctx context.Context) error { return s.inner.Coordinator().OnActivate(ctx) }
