// Package port frees the backend's fixed TCP port from processes left behind
// by an earlier run.
package port

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// Scanner lists the PIDs listening on a local TCP port.
type Scanner interface {
	Listeners(ctx context.Context, port int) ([]int32, error)
}

// GopsutilScanner reads the socket table through gopsutil. It works on every
// supported platform.
type GopsutilScanner struct{}

func (GopsutilScanner) Listeners(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	var pids []int32
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			pids = appendUnique(pids, c.Pid)
		}
	}
	return pids, nil
}

// NetstatScanner shells out to `netstat -ano` (Windows).
type NetstatScanner struct{}

func (NetstatScanner) Listeners(ctx context.Context, port int) ([]int32, error) {
	// #nosec G204
	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "TCP").Output()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}
	return ParseNetstat(string(out), port), nil
}

// ParseNetstat extracts the PIDs of LISTENING rows whose local address ends
// in :port from `netstat -ano` output.
func ParseNetstat(out string, port int) []int32 {
	suffix := ":" + strconv.Itoa(port)
	var pids []int32
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// Proto  Local Address  Foreign Address  State  PID
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if fields[3] != "LISTENING" || !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.ParseInt(fields[len(fields)-1], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		pids = appendUnique(pids, int32(pid))
	}
	return pids
}

// LsofScanner shells out to lsof (macOS, Linux).
type LsofScanner struct{}

func (LsofScanner) Listeners(ctx context.Context, port int) ([]int32, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN", "-t")
	out, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when nothing matches
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 && len(out) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	var pids []int32
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
		if err == nil && pid > 0 {
			pids = appendUnique(pids, int32(pid))
		}
	}
	return pids, nil
}

// NoopScanner never reports a listener.
type NoopScanner struct{}

func (NoopScanner) Listeners(context.Context, int) ([]int32, error) { return nil, nil }

// NewScanner maps a configured scanner name to an implementation. An empty
// name selects gopsutil.
func NewScanner(name string) (Scanner, error) {
	switch strings.ToLower(name) {
	case "", "gopsutil":
		return GopsutilScanner{}, nil
	case "netstat":
		return NetstatScanner{}, nil
	case "lsof":
		return LsofScanner{}, nil
	case "none", "noop":
		return NoopScanner{}, nil
	default:
		return nil, fmt.Errorf("unknown port scanner %q", name)
	}
}

func appendUnique(pids []int32, pid int32) []int32 {
	for _, p := range pids {
		if p == pid {
			return pids
		}
	}
	return append(pids, pid)
}
