package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"

	"github.com/viarom/furnivia/internal/metrics"
)

const (
	defaultAttempts = 10
	defaultInterval = 100 * time.Millisecond
)

// Killer ends a process and its descendants.
type Killer interface {
	Kill(ctx context.Context, pid int32) error
}

// TreeKiller kills children before their parent so nothing is re-parented
// while the tree is torn down.
type TreeKiller struct{}

func (TreeKiller) Kill(ctx context.Context, pid int32) error {
	p, err := ps.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if kids, err := p.ChildrenWithContext(ctx); err == nil {
		for _, k := range kids {
			_ = TreeKiller{}.Kill(ctx, k.Pid)
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
			return nil
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// Reclaimer frees a port by killing whatever listens on it.
type Reclaimer struct {
	scanner  Scanner
	killer   Killer
	attempts int
	interval time.Duration
	self     int32
}

// Option customises a Reclaimer.
type Option func(*Reclaimer)

// WithRecheck sets how often and how many times the port is re-scanned after
// the kills, for operating systems that release sockets lazily.
func WithRecheck(attempts int, interval time.Duration) Option {
	return func(r *Reclaimer) {
		r.attempts = attempts
		r.interval = interval
	}
}

// NewReclaimer uses GopsutilScanner and TreeKiller when s or k are nil.
func NewReclaimer(s Scanner, k Killer, opts ...Option) *Reclaimer {
	if s == nil {
		s = GopsutilScanner{}
	}
	if k == nil {
		k = TreeKiller{}
	}
	r := &Reclaimer{
		scanner:  s,
		killer:   k,
		attempts: defaultAttempts,
		interval: defaultInterval,
		self:     int32(os.Getpid()), // #nosec G115
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reclaim kills every process other than this one listening on port and then
// waits for the port to be released. Scan and kill failures are logged and
// swallowed; only a cancelled ctx is returned.
func (r *Reclaimer) Reclaim(ctx context.Context, port int) error {
	pids, err := r.scanner.Listeners(ctx, port)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("no conflicting process found", "port", port, "error", err)
		return nil
	}
	killed := 0
	for _, pid := range pids {
		if pid == r.self {
			slog.Warn("port is held by this process, leaving it", "port", port)
			continue
		}
		slog.Info("killing process holding port", "port", port, "pid", pid)
		if err := r.killer.Kill(ctx, pid); err != nil {
			metrics.IncReclaimed("failed")
			slog.Warn("failed to kill process holding port", "port", port, "pid", pid, "error", err)
			continue
		}
		metrics.IncReclaimed("killed")
		killed++
	}
	if killed == 0 {
		return ctx.Err()
	}

	for i := 0; i < r.attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval):
		}
		if r.Free(ctx, port) {
			slog.Info("port reclaimed", "port", port, "killed", killed)
			return nil
		}
	}
	slog.Warn("port still busy after reclamation", "port", port)
	return nil
}

// Free reports whether no other process listens on port. A failed scan
// counts as free.
func (r *Reclaimer) Free(ctx context.Context, port int) bool {
	pids, err := r.scanner.Listeners(ctx, port)
	if err != nil {
		return true
	}
	for _, pid := range pids {
		if pid != r.self {
			return false
		}
	}
	return true
}
