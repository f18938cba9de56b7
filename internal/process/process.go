// Package process spawns a child in its own process group, streams its output
// line by line and terminates the whole tree on request.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrEmptyCommand is returned by Start when the spec has nothing to run.
var ErrEmptyCommand = errors.New("empty command")

const (
	// waitDelay bounds how long output copying may outlive the child.
	waitDelay = 2 * time.Second
	// killWait is how long Stop waits for the exit after a kill.
	killWait = time.Second
	// maxLine flushes a line that never sees a newline.
	maxLine = 64 * 1024
)

// Stream identifies the pipe a line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives each complete output line without its line terminator.
type LineFunc func(stream Stream, line string)

// Handle is a running child process.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	outW      *lineWriter
	errW      *lineWriter

	mu          sync.Mutex
	intentional bool
	exitCode    *int
	exitErr     error
	stoppedAt   time.Time
}

// Start launches spec. Output lines go to onLine (may be nil) and to the
// rotated files configured in spec.Log.
func Start(spec Spec, onLine LineFunc) (*Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrEmptyCommand
	}
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	outFile, errFile, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("open log files for %s: %w", spec.Name, err)
	}

	h := &Handle{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	h.outW = &lineWriter{stream: Stdout, onLine: onLine, file: outFile}
	h.errW = &lineWriter{stream: Stderr, onLine: onLine, file: errFile}
	cmd.Stdout = h.outW
	cmd.Stderr = h.errW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = h.outW.Close()
		_ = h.errW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	_ = h.outW.Close()
	_ = h.errW.Close()

	var code *int
	if st := h.cmd.ProcessState; st != nil && st.ExitCode() >= 0 {
		c := st.ExitCode()
		code = &c
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode is nil while running and when the process was ended by a signal.
func (h *Handle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ExitErr is the error returned by Wait, if any.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// MarkIntentional records that the coming exit was requested.
func (h *Handle) MarkIntentional() {
	h.mu.Lock()
	h.intentional = true
	h.mu.Unlock()
}

func (h *Handle) Intentional() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intentional
}

// Alive probes the OS; a zombie counts as dead.
func (h *Handle) Alive() bool {
	return !h.Exited() && processAlive(h.pid)
}

// Terminate asks the process tree to exit. Already finished processes are not
// an error.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateTree(h.pid)
}

// Kill forcibly ends the process tree.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killTree(h.pid)
}

// Stop marks the exit intentional, terminates the tree and escalates to Kill
// when the process outlives grace.
func (h *Handle) Stop(grace time.Duration) error {
	h.MarkIntentional()
	if h.Exited() {
		return nil
	}
	if err := h.Terminate(); err != nil {
		slog.Warn("terminate failed", "name", h.name, "pid", h.pid, "error", err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	slog.Warn("process ignored terminate, killing", "name", h.name, "pid", h.pid, "grace", grace)
	if err := h.Kill(); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d) still running after kill", h.name, h.pid)
	}
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Name:        h.name,
		Running:     !h.Exited(),
		PID:         h.pid,
		StartedAt:   h.startedAt,
		StoppedAt:   h.stoppedAt,
		ExitCode:    h.exitCode,
		Intentional: h.intentional,
	}
}

// Status is a point-in-time view of a Handle.
type Status struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Intentional bool      `json:"intentional"`
}

// KillTree forcibly ends pid and its descendants. Use it for processes this
// shell did not start, such as a backend orphaned by a crash.
func KillTree(pid int) error { return killTree(pid) }

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool { return processAlive(pid) }

// lineWriter splits a byte stream into lines, tees it to an optional file
// and hands every line to onLine.
type lineWriter struct {
	stream Stream
	onLine LineFunc
	file   io.WriteCloser

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_, _ = w.file.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	w.buf = append([]byte(nil), w.buf...)
	return len(p), nil
}

func (w *lineWriter) emit(b []byte) {
	if w.onLine != nil {
		w.onLine(w.stream, strings.TrimRight(string(b), "\r"))
	}
}

// Close flushes a trailing partial line and closes the file.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
