// Package lifecycle sequences the backend against the window and application
// events of the desktop host: the port is cleared before the backend starts,
// and the backend is stopped before the window or the application goes away.
package lifecycle

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viarom/furnivia/internal/metrics"
)

const (
	DefaultCloseTimeout      = 2 * time.Second
	DefaultBeforeQuitTimeout = time.Second
	reclaimTimeout           = 5 * time.Second
)

// State of the application lifecycle.
type State int32

const (
	Starting State = iota
	Running
	Closing
	Terminating
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Closing:
		return "closing"
	case Terminating:
		return "terminating"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

var allStates = []State{Starting, Running, Closing, Terminating, Exited}

// Window is the host's main window. Close requests a close, which the host
// routes back through OnWindowClose.
type Window interface {
	Show()
	Close()
}

// WindowFactory creates the main window.
type WindowFactory func() (Window, error)

// App is the host application.
type App interface {
	Quit()
}

// Backend is the supervised backend.
type Backend interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) bool
}

// Reclaimer frees a port held by stale processes.
type Reclaimer interface {
	Reclaim(ctx context.Context, port int) error
}

// Config tunes the coordinator.
type Config struct {
	Port              int
	CloseTimeout      time.Duration
	BeforeQuitTimeout time.Duration
	// KeepAlive leaves the application running after its last window
	// closes. Defaults to true on darwin.
	KeepAlive *bool
}

// Coordinator drives the backend from host lifecycle events.
type Coordinator struct {
	cfg       Config
	keepAlive bool
	backend   Backend
	reclaimer Reclaimer
	app       App
	newWindow WindowFactory

	quitting      atomic.Bool // window closes are no longer intercepted
	closing       atomic.Bool
	quitRequested atomic.Bool

	mu     sync.Mutex
	state  State
	window Window

	doneOnce sync.Once
	done     chan struct{}
}

// New builds a coordinator in the Starting state. reclaimer may be nil.
func New(cfg Config, backend Backend, reclaimer Reclaimer, app App, newWindow WindowFactory) *Coordinator {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.BeforeQuitTimeout <= 0 {
		cfg.BeforeQuitTimeout = DefaultBeforeQuitTimeout
	}
	keep := runtime.GOOS == "darwin"
	if cfg.KeepAlive != nil {
		keep = *cfg.KeepAlive
	}
	c := &Coordinator{
		cfg:       cfg,
		keepAlive: keep,
		backend:   backend,
		reclaimer: reclaimer,
		app:       app,
		newWindow: newWindow,
		done:      make(chan struct{}),
	}
	metrics.SetCurrentState(Starting.String(), true)
	return c
}

// Boot clears the backend port, starts the backend and shows the window.
// A backend start failure has already been shown to the user and does not
// prevent the window from opening.
func (c *Coordinator) Boot(ctx context.Context) error {
	if c.reclaimer != nil && c.cfg.Port > 0 {
		rctx, cancel := context.WithTimeout(ctx, reclaimTimeout)
		err := c.reclaimer.Reclaim(rctx, c.cfg.Port)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := c.backend.Start(ctx); err != nil {
		slog.Error("backend failed to start", "error", err)
	}
	if err := c.openWindow(); err != nil {
		return err
	}
	c.setState(Running)
	return nil
}

func (c *Coordinator) openWindow() error {
	if c.newWindow == nil {
		return nil
	}
	w, err := c.newWindow()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.window = w
	c.mu.Unlock()
	w.Show()
	return nil
}

// OnWindowClose handles a close request and reports whether the host may
// close the window now. The first request is deferred: the backend is
// stopped in the background and the window is closed afterwards.
func (c *Coordinator) OnWindowClose() bool {
	if c.quitting.Load() {
		return true
	}
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	c.setState(Closing)
	slog.Info("window closing, stopping backend")
	go func() {
		c.backend.Stop(c.cfg.CloseTimeout)
		c.quitting.Store(true)
		c.setState(Terminating)
		c.mu.Lock()
		w := c.window
		c.mu.Unlock()
		if w != nil {
			w.Close()
		}
	}()
	return false
}

// OnWindowClosed forgets the destroyed window.
func (c *Coordinator) OnWindowClosed() {
	c.mu.Lock()
	c.window = nil
	c.mu.Unlock()
}

// OnAllWindowsClosed stops the backend and quits, except on platforms where
// applications stay alive without windows.
func (c *Coordinator) OnAllWindowsClosed() {
	if c.keepAlive {
		return
	}
	c.quitRequested.Store(true)
	c.quitting.Store(true)
	c.setState(Terminating)
	c.backend.Stop(c.cfg.CloseTimeout)
	slog.Info("backend stopped, quitting")
	if c.app != nil {
		c.app.Quit()
	}
	c.exit()
}

// OnBeforeQuit stops the backend with the short quit timeout. Quitting
// proceeds whatever the outcome.
func (c *Coordinator) OnBeforeQuit() {
	c.quitRequested.Store(true)
	c.quitting.Store(true)
	c.setState(Terminating)
	c.backend.Stop(c.cfg.BeforeQuitTimeout)
	c.exit()
}

// OnActivate recreates the window when none exists, restarting the backend
// that the previous window close stopped.
func (c *Coordinator) OnActivate(ctx context.Context) error {
	if c.quitRequested.Load() {
		return nil
	}
	c.mu.Lock()
	has := c.window != nil
	c.mu.Unlock()
	if has {
		return nil
	}
	if c.closing.Load() {
		c.quitting.Store(false)
		c.closing.Store(false)
		if err := c.backend.Start(ctx); err != nil {
			slog.Error("backend failed to start", "error", err)
		}
	}
	if err := c.openWindow(); err != nil {
		return err
	}
	c.setState(Running)
	return nil
}

// Quitting reports whether the application is shutting down.
func (c *Coordinator) Quitting() bool { return c.quitting.Load() }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the application has finished terminating.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) exit() {
	c.doneOnce.Do(func() {
		c.setState(Exited)
		close(c.done)
	})
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == Exited {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	metrics.RecordStateTransition(from.String(), to.String())
	for _, s := range allStates {
		metrics.SetCurrentState(s.String(), s == to)
	}
	slog.Debug("lifecycle state", "from", from.String(), "to", to.String())
}
