// Package app owns every long-lived object of the shell and wires them
// together: stores, validator, supervisor, port reclamation, lifecycle
// coordinator, bridge and history.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/viarom/furnivia/internal/bridge"
	"github.com/viarom/furnivia/internal/config"
	"github.com/viarom/furnivia/internal/conncheck"
	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/dialog"
	"github.com/viarom/furnivia/internal/history"
	"github.com/viarom/furnivia/internal/history/factory"
	"github.com/viarom/furnivia/internal/lifecycle"
	"github.com/viarom/furnivia/internal/metrics"
	"github.com/viarom/furnivia/internal/port"
	"github.com/viarom/furnivia/internal/profile"
	"github.com/viarom/furnivia/internal/secret"
	"github.com/viarom/furnivia/internal/store"
	"github.com/viarom/furnivia/internal/supervisor"
)

// ErrAlreadyRunning means another shell holds the instance lock.
var ErrAlreadyRunning = errors.New("another FurniVIA instance is running")

const (
	lockName        = "furnivia.lock"
	addrName        = "bridge.url"
	scriptName      = "test_connection.py"
	shutdownTimeout = 2 * time.Second
	eventBuffer     = 256
)

// Host is the desktop shell around the app: it creates windows and quits.
type Host interface {
	lifecycle.App
	NewWindow() (lifecycle.Window, error)
}

// Option customises an App.
type Option func(*options)

type options struct {
	host     Host
	dialogs  dialog.Presenter
	checker  conncheck.Checker
	registry prometheus.Registerer
}

// WithHost sets the desktop host. The default is Headless.
func WithHost(h Host) Option { return func(o *options) { o.host = h } }

// WithDialogs adds a native dialog presenter.
func WithDialogs(p dialog.Presenter) Option { return func(o *options) { o.dialogs = p } }

// WithChecker replaces the configured connection checker.
func WithChecker(c conncheck.Checker) Option { return func(o *options) { o.checker = c } }

// WithRegistry registers metrics on r instead of the default registerer.
func WithRegistry(r prometheus.Registerer) Option { return func(o *options) { o.registry = r } }

// App is constructed once per process.
type App struct {
	settings *config.Settings

	lock       *flock.Flock
	configs    *dbconfig.Repository
	profiles   *profile.Repository
	validator  *conncheck.Validator
	reclaimer  *port.Reclaimer
	supervisor *supervisor.Supervisor
	bridge     *bridge.Bridge
	coord      *lifecycle.Coordinator
	sinks      []history.Sink
	sampler    *metrics.ResourceSampler

	mu     sync.Mutex
	server *http.Server
}

// Repositories opens the configuration and profile stores under the data
// directory, seeding the database configuration on first run.
func Repositories(s *config.Settings) (*dbconfig.Repository, *profile.Repository, error) {
	if err := os.MkdirAll(s.DataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	configs := dbconfig.NewRepository(store.Open(s.DataDir, dbconfig.StoreName))
	configs.EnsureDefault(s.Backend.EnvFile)
	profiles := profile.NewRepository(store.Open(s.DataDir, profile.StoreName), secret.NewCipher(s.Secret))
	return configs, profiles, nil
}

// Checker builds the configured connection checker.
func Checker(s *config.Settings) conncheck.Checker {
	if s.Backend.Checker == "script" {
		return conncheck.ScriptChecker{
			Python:     s.Backend.Python,
			ScriptPath: filepath.Join(s.BackendDir(), scriptName),
			Dev:        s.Dev,
			Timeout:    s.Timeouts.Connect,
		}
	}
	return conncheck.PgxChecker{Timeout: s.Timeouts.Connect}
}

// Reclaimer builds the port reclaimer for the configured scanner.
func Reclaimer(s *config.Settings) (*port.Reclaimer, error) {
	scanner, err := port.NewScanner(s.Backend.Scanner)
	if err != nil {
		return nil, err
	}
	return port.NewReclaimer(scanner, port.TreeKiller{}), nil
}

// BridgeURLFile is where a running shell publishes its bridge URL.
func BridgeURLFile(s *config.Settings) string { return filepath.Join(s.DataDir, addrName) }

// OpenHistory opens a sink per configured DSN. Sinks that fail to open are
// logged and skipped.
func OpenHistory(ctx context.Context, s *config.Settings) []history.Sink {
	if !s.History.Enabled {
		return nil
	}
	var sinks []history.Sink
	for _, dsn := range s.History.DSNs {
		sink, err := factory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			slog.Warn("history sink unavailable", "error", err)
			continue
		}
		sinks = append(sinks, sink)
	}
	return sinks
}

// New builds the app. With instance.single set it fails with
// ErrAlreadyRunning while another shell is running.
func New(ctx context.Context, s *config.Settings, opts ...Option) (*App, error) {
	o := options{host: Headless{}, registry: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{settings: s}

	if err := os.MkdirAll(s.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if s.Instance.Single {
		a.lock = flock.New(filepath.Join(s.DataDir, lockName))
		locked, err := a.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire instance lock: %w", err)
		}
		if !locked {
			return nil, ErrAlreadyRunning
		}
	}

	var err error
	if a.configs, a.profiles, err = Repositories(s); err != nil {
		a.release()
		return nil, err
	}
	if a.reclaimer, err = Reclaimer(s); err != nil {
		a.release()
		return nil, err
	}
	checker := o.checker
	if checker == nil {
		checker = Checker(s)
	}
	a.validator = conncheck.NewValidator(checker)
	a.sinks = OpenHistory(ctx, s)

	if s.Metrics.Enabled {
		if err := metrics.Register(o.registry); err != nil {
			slog.Warn("register metrics", "error", err)
		}
	}
	if s.Metrics.Resources {
		a.sampler = metrics.NewResourceSampler(metrics.ResourceConfig{
			Enabled:    true,
			Interval:   s.Metrics.ResourceInterval,
			MaxHistory: s.Metrics.ResourceHistory,
		})
		if s.Metrics.Enabled {
			if err := a.sampler.RegisterMetrics(o.registry); err != nil {
				slog.Warn("register resource metrics", "error", err)
			}
		}
	}

	globals, err := s.GlobalEnv()
	if err != nil {
		a.release()
		return nil, err
	}
	// The hub exists only once the bridge does; dialogs reach it late.
	toUI := dialog.Func(func(title, message string) {
		if a.bridge != nil {
			a.bridge.Hub().ShowError(title, message)
		}
	})
	a.supervisor = supervisor.New(supervisor.Config{
		Python:    s.Backend.Python,
		Module:    s.Backend.Module,
		App:       s.Backend.App,
		Host:      s.Backend.Host,
		Port:      s.Backend.Port,
		KillGrace: s.Backend.KillGrace,
		PIDFile:   s.Backend.PIDFile,
		Log:       s.Logger(),
		Env:       globals,
	}, supervisor.Locator{
		Dev:          s.Dev,
		WorkDir:      s.WorkDir,
		ResourcesDir: s.ResourcesDir,
	}, a.configs,
		supervisor.WithReclaimer(a.reclaimer),
		supervisor.WithDialogs(dialog.Multi(dialog.LogPresenter{}, toUI, o.dialogs)),
		supervisor.WithHistory(a.sinks...),
	)
	a.bridge = bridge.New(bridge.Deps{
		Configs:        a.configs,
		Profiles:       a.profiles,
		Tester:         a.validator,
		Backend:        a.supervisor,
		RestartTimeout: s.Timeouts.Restart,
	})
	a.coord = lifecycle.New(lifecycle.Config{
		Port:              s.Backend.Port,
		CloseTimeout:      s.Timeouts.Close,
		BeforeQuitTimeout: s.Timeouts.BeforeQuit,
	}, a.supervisor, a.reclaimer, o.host, o.host.NewWindow)
	return a, nil
}

// Run boots the backend and window, serves the bridge and blocks until the
// application has terminated. Cancelling ctx quits the application.
func (a *App) Run(ctx context.Context) error {
	if a.settings.Bridge.Enabled {
		r := bridge.NewRouter(a.bridge, a.settings.Bridge.BasePath, func() any { return a.Status() }, a.settings.Metrics.Enabled)
		srv, err := bridge.NewServer(a.settings.Bridge.Addr, r)
		if err != nil {
			return fmt.Errorf("start bridge server: %w", err)
		}
		a.mu.Lock()
		a.server = srv
		a.mu.Unlock()
		slog.Info("bridge listening", "addr", srv.Addr)
		if err := os.WriteFile(BridgeURLFile(a.settings), []byte("http://"+srv.Addr), 0o600); err != nil {
			slog.Warn("write bridge url", "error", err)
		}
	}

	fwdCtx, stopForward := context.WithCancel(context.Background())
	defer stopForward()
	events, unsubscribe := a.supervisor.Subscribe(eventBuffer)
	defer unsubscribe()
	go a.bridge.Hub().Forward(fwdCtx, events)

	if a.sampler != nil {
		a.sampler.Start(fwdCtx, a.supervisor.PID)
	}

	if err := a.coord.Boot(ctx); err != nil {
		a.coord.OnBeforeQuit()
		a.shutdownServer()
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		a.coord.OnBeforeQuit()
	case <-a.coord.Done():
	}
	a.shutdownServer()
	return nil
}

func (a *App) shutdownServer() {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	_ = os.Remove(BridgeURLFile(a.settings))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

// Coordinator receives the host's window and application events.
func (a *App) Coordinator() *lifecycle.Coordinator { return a.coord }

// Bridge is the UI bridge.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Supervisor is the backend supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// BridgeAddr is the bridge server address, empty until Run has started it.
func (a *App) BridgeAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr
}

// Status is served on /healthz.
type Status struct {
	Lifecycle string            `json:"lifecycle"`
	Backend   supervisor.Status `json:"backend"`
	Resources *metrics.Sample   `json:"resources,omitempty"`
}

func (a *App) Status() Status {
	st := Status{Lifecycle: a.coord.State().String(), Backend: a.supervisor.Status()}
	if a.sampler != nil {
		if s, ok := a.sampler.Latest(); ok {
			st.Resources = &s
		}
	}
	return st
}

// Recent returns the newest supervision events from the first sink that can
// read them back.
func (a *App) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	return Recent(ctx, a.sinks, limit)
}

// Recent reads from the first sink implementing history.Reader.
func Recent(ctx context.Context, sinks []history.Sink, limit int) ([]history.Event, error) {
	for _, s := range sinks {
		if r, ok := s.(history.Reader); ok {
			return r.Recent(ctx, limit)
		}
	}
	return nil, errors.New("no readable history sink configured")
}

// Close releases sinks, the sampler and the instance lock.
func (a *App) Close() error {
	if a.sampler != nil {
		a.sampler.Stop()
	}
	var errs []error
	for _, s := range a.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	a.sinks = nil
	a.release()
	return errors.Join(errs...)
}

func (a *App) release() {
	if a.lock != nil {
		_ = a.lock.Unlock()
		a.lock = nil
	}
}

// Headless runs the backend without a window, for the command line.
type Headless struct{}

func (Headless) Quit() {}

func (Headless) NewWindow() (lifecycle.Window, error) { return headlessWindow{}, nil }

type headlessWindow struct{}

func (headlessWindow) Show()  {}
func (headlessWindow) Close() {}
