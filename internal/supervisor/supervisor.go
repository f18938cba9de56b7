// Package supervisor owns the single backend server process: it starts it
// with the active database configuration, streams its output, stops it within
// a bounded time and reports unexpected exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/dialog"
	"github.com/viarom/furnivia/internal/env"
	"github.com/viarom/furnivia/internal/history"
	"github.com/viarom/furnivia/internal/logger"
	"github.com/viarom/furnivia/internal/metrics"
	"github.com/viarom/furnivia/internal/process"
)

var (
	// ErrBackendNotFound means the backend entry script does not exist.
	ErrBackendNotFound = errors.New("could not find Python backend")
	// ErrAlreadyRunning is returned by Start while a backend is alive.
	ErrAlreadyRunning = errors.New("backend already running")
)

const (
	dialogTitle       = "Backend Error"
	reclaimTimeout    = 5 * time.Second
	defaultKillGrace  = 3 * time.Second
	defaultName       = "backend"
	defaultPort       = 8000
	defaultHost       = "127.0.0.1"
	defaultPython     = "python"
	defaultModule     = "uvicorn"
	defaultApp        = "main:app"
	embeddedFlag      = "ELECTRON_RUN"
	unbufferedFlag    = "PYTHONUNBUFFERED"
	noBytecodeFlag    = "PYTHONDONTWRITEBYTECODE"
	defaultSubscriber = 64
)

// Config describes how the backend is launched.
type Config struct {
	Name      string        `mapstructure:"name"`   // log file and history name
	Python    string        `mapstructure:"python"` // interpreter
	Module    string        `mapstructure:"module"` // server module run with -m
	App       string        `mapstructure:"app"`    // ASGI app reference
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	KillGrace time.Duration `mapstructure:"kill_grace"` // terminate-to-kill escalation delay
	PIDFile   string        `mapstructure:"pid_file"`
	Log       logger.Config `mapstructure:"-"`
	Env       *env.Env      `mapstructure:"-"` // extra variables for the backend
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.Python == "" {
		c.Python = defaultPython
	}
	if c.Module == "" {
		c.Module = defaultModule
	}
	if c.App == "" {
		c.App = defaultApp
	}
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.Env == nil {
		c.Env = env.New()
	}
	return c
}

// Args is the interpreter argv for a single-worker server without access
// logs or lifespan events.
func (c Config) Args() []string {
	return []string{
		"-m", c.Module, c.App,
		"--host", c.Host,
		"--port", strconv.Itoa(c.Port),
		"--no-access-log",
		"--workers", "1",
		"--lifespan", "off",
	}
}

// DBSource yields the active database configuration.
type DBSource interface {
	Get() (dbconfig.Config, bool)
}

// Reclaimer frees the backend port from processes this shell does not track.
type Reclaimer interface {
	Reclaim(ctx context.Context, port int) error
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithReclaimer frees the port between stop and start in Restart, and during
// Stop when no backend is tracked.
func WithReclaimer(r Reclaimer) Option { return func(s *Supervisor) { s.reclaimer = r } }

// WithDialogs replaces the default log-only presenter used for spawn and
// crash errors.
func WithDialogs(p dialog.Presenter) Option { return func(s *Supervisor) { s.dialogs = p } }

// WithHistory records every start and exit to the given sinks.
func WithHistory(sinks ...history.Sink) Option { return func(s *Supervisor) { s.sinks = sinks } }

// Supervisor manages at most one live backend process.
type Supervisor struct {
	cfg       Config
	loc       Locator
	db        DBSource
	reclaimer Reclaimer
	dialogs   dialog.Presenter
	sinks     []history.Sink
	halt      func(h *process.Handle, grace time.Duration) error

	mu        sync.Mutex
	state     State
	cur       *run
	stopping  *stopCall
	startedAt time.Time
	stoppedAt time.Time
	lastExit  *int

	restartMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// run pairs a handle with the signal that its exit has been processed.
type run struct {
	h      *process.Handle
	exited chan struct{}
}

// stopCall is the shared outcome of an in-flight Stop.
type stopCall struct {
	done chan struct{}
}

// New builds a stopped supervisor.
func New(cfg Config, loc Locator, db DBSource, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		loc:     loc,
		db:      db,
		dialogs: dialog.LogPresenter{},
		halt:    (*process.Handle).Stop,
		subs:    make(map[int]chan Event),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Port is the fixed port the backend binds.
func (s *Supervisor) Port() int { return s.cfg.Port }

// Start launches the backend. It fails with ErrAlreadyRunning while a handle
// is live and with ErrBackendNotFound when the entry script is missing; both
// spawn failures are also shown as a dialog.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.cur != nil || s.state == StateStarting {
		s.mu.Unlock()
		metrics.IncBackendStart("already_running")
		return ErrAlreadyRunning
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	dir, err := s.loc.Resolve()
	if err != nil {
		s.failStart("not_found", err, "Could not find Python backend at: "+filepath.Clean(s.loc.EntryPath()))
		return err
	}
	s.reapOrphan()

	spec := s.spec(dir)
	h, err := process.Start(spec, s.onLine)
	if err != nil {
		s.failStart("spawn_error", err, "Failed to start Python backend: "+err.Error())
		return fmt.Errorf("spawn backend: %w", err)
	}

	r := &run{h: h, exited: make(chan struct{})}
	s.mu.Lock()
	s.cur = r
	s.startedAt = h.StartedAt()
	s.lastExit = nil
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	if s.cfg.PIDFile != "" {
		if err := process.WritePIDFile(s.cfg.PIDFile, h.PID(), spec); err != nil {
			slog.Warn("write backend pid file", "path", s.cfg.PIDFile, "error", err)
		}
	}
	metrics.IncBackendStart("ok")
	metrics.SetBackendRunning(true)
	history.Publish(context.Background(), s.sinks, history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Name: s.cfg.Name, PID: h.PID(), StartedAt: h.StartedAt()},
	})
	slog.Info("backend started", "pid", h.PID(), "dir", dir, "port", s.cfg.Port)

	go s.watch(r)
	return nil
}

func (s *Supervisor) failStart(result string, err error, message string) {
	s.setState(StateStopped)
	metrics.IncBackendStart(result)
	history.Publish(context.Background(), s.sinks, history.Event{
		Type:       history.EventSpawnError,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Name: s.cfg.Name, Detail: err.Error()},
	})
	slog.Error("backend start failed", "error", err)
	s.dialogs.ShowError(dialogTitle, message)
}

func (s *Supervisor) spec(dir string) process.Spec {
	url := dbconfig.FallbackURL
	if s.db != nil {
		if cfg, ok := s.db.Get(); ok && cfg.URL != "" {
			url = cfg.URL
		}
	}
	return process.Spec{
		Name:    s.cfg.Name,
		Command: s.cfg.Python,
		Args:    s.cfg.Args(),
		WorkDir: dir,
		Env: s.cfg.Env.Merge(nil, env.Var{
			dbconfig.EnvVar: url,
			embeddedFlag:    "1",
			unbufferedFlag:  "1",
			noBytecodeFlag:  "1",
		}),
		Log: s.cfg.Log,
	}
}

// reapOrphan kills a backend recorded in the pid file by an earlier run that
// never cleaned up.
func (s *Supervisor) reapOrphan() {
	if s.cfg.PIDFile == "" {
		return
	}
	pid, spec, err := process.ReadPIDFile(s.cfg.PIDFile)
	if err != nil {
		return
	}
	defer process.RemovePIDFile(s.cfg.PIDFile)
	if spec == nil || spec.Name != s.cfg.Name || !process.Alive(pid) {
		return
	}
	slog.Warn("killing orphaned backend", "pid", pid)
	if err := process.KillTree(pid); err != nil {
		slog.Warn("failed to kill orphaned backend", "pid", pid, "error", err)
	}
}

func (s *Supervisor) onLine(stream process.Stream, line string) {
	metrics.IncOutputLine(stream.String())
	if stream == process.Stderr {
		slog.Warn("backend stderr", "line", line)
		return
	}
	slog.Debug("backend stdout", "line", line)
	s.broadcast(Event{Kind: EventOutput, Line: line, At: time.Now()})
}

func (s *Supervisor) watch(r *run) {
	<-r.h.Done()
	code := r.h.ExitCode()
	intentional := r.h.Intentional()
	st := r.h.Status()

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.lastExit = code
	s.stoppedAt = st.StoppedAt
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	close(r.exited)

	if s.cfg.PIDFile != "" {
		process.RemovePIDFile(s.cfg.PIDFile)
	}
	metrics.SetBackendRunning(false)
	metrics.IncBackendExit(exitKind(intentional, code))
	detail := ""
	if err := r.h.ExitErr(); err != nil {
		detail = err.Error()
	}
	history.Publish(context.Background(), s.sinks, history.Event{
		Type:       history.EventExit,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name: s.cfg.Name, PID: st.PID, StartedAt: st.StartedAt, StoppedAt: st.StoppedAt,
			ExitCode: code, Intentional: intentional, Detail: detail,
		},
	})

	if !intentional && code != nil && *code != 0 {
		slog.Error("backend exited unexpectedly", "pid", st.PID, "code", *code)
		s.dialogs.ShowError(dialogTitle, fmt.Sprintf("Backend process exited unexpectedly with code %d", *code))
		return
	}
	slog.Info("backend exited", "pid", st.PID, "code", code, "intentional", intentional)
}

func exitKind(intentional bool, code *int) string {
	switch {
	case intentional:
		return "intentional"
	case code == nil:
		return "signal"
	case *code == 0:
		return "clean"
	default:
		return "crash"
	}
}

// Stop marks the backend as intentionally terminated, asks its process tree
// to exit and waits at most timeout. Termination continues in the background
// after a timeout. With no live handle the port is reclaimed instead, in case
// an untracked backend still holds it. Concurrent calls share one stop.
// It reports whether the stop finished within timeout.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	begin := time.Now()
	s.mu.Lock()
	call := s.stopping
	if call == nil {
		call = &stopCall{done: make(chan struct{})}
		s.stopping = call
		r := s.cur
		if r != nil {
			r.h.MarkIntentional()
			s.setStateLocked(StateStopping)
		}
		go s.runStop(call, r)
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-call.done:
		metrics.ObserveStop(time.Since(begin).Seconds(), false)
		return true
	case <-timer.C:
		metrics.ObserveStop(time.Since(begin).Seconds(), true)
		slog.Warn("backend stop timed out, continuing in background", "timeout", timeout)
		return false
	}
}

func (s *Supervisor) runStop(call *stopCall, r *run) {
	defer func() {
		s.mu.Lock()
		if s.stopping == call {
			s.stopping = nil
		}
		s.mu.Unlock()
		close(call.done)
	}()

	if r == nil {
		if s.reclaimer == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
		defer cancel()
		if err := s.reclaimer.Reclaim(ctx, s.cfg.Port); err != nil {
			slog.Warn("port reclamation during stop", "port", s.cfg.Port, "error", err)
		}
		return
	}
	// The caller's timer bounds this wait when the process survives.
	if err := s.halt(r.h, s.cfg.KillGrace); err != nil {
		slog.Warn("backend stop", "pid", r.h.PID(), "error", err)
	}
	<-r.exited
}

// Restart stops the backend, frees the port and starts it again, picking up
// the current database configuration. Restarts are serialised.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	if !s.Stop(timeout) {
		return fmt.Errorf("backend did not stop within %s", timeout)
	}
	if s.reclaimer != nil {
		rctx, cancel := context.WithTimeout(ctx, reclaimTimeout)
		err := s.reclaimer.Reclaim(rctx, s.cfg.Port)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return s.Start(ctx)
}

// PID of the live backend, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.h.PID()
}

// Running reports whether a backend handle is live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Status is a snapshot of the supervisor.
type Status struct {
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state.String(),
		Running:      s.cur != nil,
		Port:         s.cfg.Port,
		StartedAt:    s.startedAt,
		StoppedAt:    s.stoppedAt,
		LastExitCode: s.lastExit,
	}
	if s.cur != nil {
		st.PID = s.cur.h.PID()
	}
	return st
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

// setStateLocked requires s.mu. Subscribers are notified without blocking.
func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	pid := 0
	if s.cur != nil {
		pid = s.cur.h.PID()
	}
	s.broadcast(Event{Kind: EventState, State: st, PID: pid, At: time.Now()})
}
