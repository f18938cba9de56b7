package port

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const netstatSample = `
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       1044
  TCP    127.0.0.1:8000         0.0.0.0:0              LISTENING       5120
  TCP    127.0.0.1:8000         127.0.0.1:53211        ESTABLISHED     5120
  TCP    127.0.0.1:53211        127.0.0.1:8000         ESTABLISHED     7788
  TCP    0.0.0.0:18000          0.0.0.0:0              LISTENING       9999
  TCP    [::]:8000              [::]:0                 LISTENING       5120
  TCP    [::1]:8000             [::]:0                 LISTENING       6200
  UDP    0.0.0.0:8000           *:*                                    4321
`

func TestParseNetstat(t *testing.T) {
	assert.Equal(t, []int32{5120, 6200}, ParseNetstat(netstatSample, 8000))
	assert.Equal(t, []int32{1044}, ParseNetstat(netstatSample, 135))
	assert.Empty(t, ParseNetstat(netstatSample, 9000))
	assert.Empty(t, ParseNetstat("", 8000))
}

func TestNewScanner(t *testing.T) {
	for name, want := range map[string]Scanner{
		"":         GopsutilScanner{},
		"gopsutil": GopsutilScanner{},
		"netstat":  NetstatScanner{},
		"LSOF":     LsofScanner{},
		"none":     NoopScanner{},
	} {
		s, err := NewScanner(name)
		require.NoError(t, err, name)
		assert.IsType(t, want, s, name)
	}
	_, err := NewScanner("ss")
	assert.Error(t, err)
}

// scriptedScanner returns successive results, repeating the last one.
type scriptedScanner struct {
	mu      sync.Mutex
	results [][]int32
	err     error
	calls   int
}

func (s *scriptedScanner) Listeners(context.Context, int) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

type recordingKiller struct {
	mu     sync.Mutex
	killed []int32
	fail   map[int32]error
}

func (k *recordingKiller) Kill(_ context.Context, pid int32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, pid)
	return k.fail[pid]
}

func TestReclaim_NoListeners(t *testing.T) {
	k := &recordingKiller{}
	r := NewReclaimer(&scriptedScanner{results: [][]int32{nil}}, k)
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Empty(t, k.killed)
}

func TestReclaim_KillsAndWaitsForRelease(t *testing.T) {
	s := &scriptedScanner{results: [][]int32{{111, 222}, {222}, {222}, nil}}
	k := &recordingKiller{}
	r := NewReclaimer(s, k, WithRecheck(10, time.Millisecond))
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Equal(t, []int32{111, 222}, k.killed)
	assert.Equal(t, 4, s.calls, "re-scans until the port is free")
}

func TestReclaim_SkipsSelf(t *testing.T) {
	self := int32(os.Getpid()) // #nosec G115
	s := &scriptedScanner{results: [][]int32{{self}}}
	k := &recordingKiller{}
	r := NewReclaimer(s, k)
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Empty(t, k.killed)
	assert.True(t, r.Free(context.Background(), 8000))
}

func TestReclaim_KillFailureIsIgnored(t *testing.T) {
	s := &scriptedScanner{results: [][]int32{{111, 222}, nil}}
	k := &recordingKiller{fail: map[int32]error{111: errors.New("access denied")}}
	r := NewReclaimer(s, k, WithRecheck(3, time.Millisecond))
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Equal(t, []int32{111, 222}, k.killed)
}

func TestReclaim_ScanErrorMeansNoConflict(t *testing.T) {
	k := &recordingKiller{}
	r := NewReclaimer(&scriptedScanner{err: errors.New("netstat not found")}, k)
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Empty(t, k.killed)
}

func TestReclaim_GivesUpQuietlyWhenPortStaysBusy(t *testing.T) {
	s := &scriptedScanner{results: [][]int32{{111}}}
	r := NewReclaimer(s, &recordingKiller{}, WithRecheck(3, time.Millisecond))
	require.NoError(t, r.Reclaim(context.Background(), 8000))
	assert.Equal(t, 4, s.calls)
}

func TestReclaim_ContextCancelled(t *testing.T) {
	s := &scriptedScanner{results: [][]int32{{111}}}
	r := NewReclaimer(s, &recordingKiller{}, WithRecheck(100, 50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Reclaim(ctx, 8000), context.DeadlineExceeded)
}

func TestGopsutilScanner_FindsOwnListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	port := l.Addr().(*net.TCPAddr).Port

	pids, err := GopsutilScanner{}.Listeners(context.Background(), port)
	if err != nil {
		t.Skipf("socket table not readable here: %v", err)
	}
	assert.Contains(t, pids, int32(os.Getpid())) // #nosec G115

	// reclaiming our own port leaves us alone
	r := NewReclaimer(GopsutilScanner{}, &recordingKiller{})
	require.NoError(t, r.Reclaim(context.Background(), port))
	_, err = net.Dial("tcp", l.Addr().String())
	assert.NoError(t, err)
}

func TestTreeKiller_KillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	require.NoError(t, TreeKiller{}.Kill(context.Background(), int32(cmd.Process.Pid))) // #nosec G115
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process survived kill")
	}
	// already gone
	assert.NoError(t, TreeKiller{}.Kill(context.Background(), int32(cmd.Process.Pid))) // #nosec G115
}
