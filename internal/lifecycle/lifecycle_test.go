package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects calls from every fake in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeBackend struct {
	rec      *recorder
	startErr error
	delay    time.Duration
	timeouts []time.Duration
	mu       sync.Mutex
}

func (b *fakeBackend) Start(context.Context) error {
	b.rec.add("start")
	return b.startErr
}

func (b *fakeBackend) Stop(timeout time.Duration) bool {
	b.mu.Lock()
	b.timeouts = append(b.timeouts, timeout)
	b.mu.Unlock()
	b.rec.add("stop")
	if b.delay > timeout {
		time.Sleep(timeout)
		return false
	}
	time.Sleep(b.delay)
	return true
}

type fakeReclaimer struct{ rec *recorder }

func (r fakeReclaimer) Reclaim(_ context.Context, port int) error {
	r.rec.add("reclaim")
	return nil
}

type fakeApp struct{ rec *recorder }

func (a fakeApp) Quit() { a.rec.add("quit") }

// fakeWindow routes Close back through the coordinator like a real host.
type fakeWindow struct {
	rec   *recorder
	coord *Coordinator
}

func (w *fakeWindow) Show() { w.rec.add("show") }

func (w *fakeWindow) Close() {
	w.rec.add("close-request")
	if w.coord.OnWindowClose() {
		w.rec.add("closed")
		w.coord.OnWindowClosed()
	}
}

func newCoordinator(t *testing.T, keepAlive bool, backend *fakeBackend) (*Coordinator, *recorder) {
	t.Helper()
	rec := backend.rec
	var c *Coordinator
	factory := func() (Window, error) { return &fakeWindow{rec: rec, coord: c}, nil }
	c = New(Config{Port: 8000, KeepAlive: &keepAlive}, backend, fakeReclaimer{rec: rec}, fakeApp{rec: rec}, factory)
	return c, rec
}

func TestBoot_ReclaimsThenStartsThenShows(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}}
	c, rec := newCoordinator(t, false, b)
	require.Equal(t, Starting, c.State())

	require.NoError(t, c.Boot(context.Background()))
	assert.Equal(t, []string{"reclaim", "start", "show"}, rec.list())
	assert.Equal(t, Running, c.State())
}

func TestBoot_BackendFailureStillShowsWindow(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}, startErr: errors.New("boom")}
	c, rec := newCoordinator(t, false, b)
	require.NoError(t, c.Boot(context.Background()))
	assert.Equal(t, []string{"reclaim", "start", "show"}, rec.list())
	assert.Equal(t, Running, c.State())
}

func TestBoot_WindowFailure(t *testing.T) {
	rec := &recorder{}
	c := New(Config{}, &fakeBackend{rec: rec}, nil, nil, func() (Window, error) { return nil, errors.New("no display") })
	assert.EqualError(t, c.Boot(context.Background()), "no display")
}

func TestWindowClose_DefersUntilBackendStopped(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}, delay: 50 * time.Millisecond}
	c, rec := newCoordinator(t, true, b)
	require.NoError(t, c.Boot(context.Background()))

	assert.False(t, c.OnWindowClose(), "first close request is intercepted")
	assert.Equal(t, Closing, c.State())
	assert.False(t, c.OnWindowClose(), "repeated requests while closing stay intercepted")

	require.Eventually(t, func() bool {
		calls := rec.list()
		return len(calls) > 0 && calls[len(calls)-1] == "closed"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"reclaim", "start", "show", "stop", "close-request", "closed"}, rec.list())
	assert.True(t, c.Quitting())
	assert.True(t, c.OnWindowClose())
	assert.Equal(t, []time.Duration{DefaultCloseTimeout}, b.timeouts)
}

func TestWindowClose_ProceedsAfterStopTimeout(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}, delay: time.Hour}
	keep := true
	var c *Coordinator
	rec := b.rec
	c = New(Config{CloseTimeout: 30 * time.Millisecond, KeepAlive: &keep}, b, nil, nil,
		func() (Window, error) { return &fakeWindow{rec: rec, coord: c}, nil })
	require.NoError(t, c.Boot(context.Background()))

	start := time.Now()
	assert.False(t, c.OnWindowClose())
	require.Eventually(t, c.Quitting, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAllWindowsClosed_StopsThenQuits(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}}
	c, rec := newCoordinator(t, false, b)
	require.NoError(t, c.Boot(context.Background()))

	c.OnAllWindowsClosed()
	assert.Equal(t, []string{"reclaim", "start", "show", "stop", "quit"}, rec.list())
	assert.Equal(t, Exited, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestAllWindowsClosed_KeepAliveIsNoop(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}}
	c, rec := newCoordinator(t, true, b)
	require.NoError(t, c.Boot(context.Background()))
	c.OnAllWindowsClosed()
	assert.Equal(t, []string{"reclaim", "start", "show"}, rec.list())
	assert.False(t, c.Quitting())
}

func TestBeforeQuit_UsesShortTimeout(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}, delay: time.Hour}
	c, _ := newCoordinator(t, false, b)
	require.NoError(t, c.Boot(context.Background()))

	start := time.Now()
	c.OnBeforeQuit()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []time.Duration{DefaultBeforeQuitTimeout}, b.timeouts)
	assert.True(t, c.Quitting())
	assert.True(t, c.OnWindowClose(), "close is not intercepted while quitting")
	<-c.Done()
	assert.Equal(t, Exited, c.State())

	c.OnBeforeQuit()
	assert.Equal(t, Exited, c.State())
}

func TestActivate_RecreatesWindowAndBackend(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}}
	c, rec := newCoordinator(t, true, b)
	require.NoError(t, c.Boot(context.Background()))

	require.NoError(t, c.OnActivate(context.Background()))
	assert.Equal(t, []string{"reclaim", "start", "show"}, rec.list(), "window exists")

	assert.False(t, c.OnWindowClose())
	require.Eventually(t, func() bool {
		calls := rec.list()
		return calls[len(calls)-1] == "closed"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.OnActivate(context.Background()))
	calls := rec.list()
	assert.Equal(t, []string{"start", "show"}, calls[len(calls)-2:])
	assert.Equal(t, Running, c.State())
	assert.False(t, c.Quitting())
	assert.False(t, c.OnWindowClose(), "the new window is intercepted again")
}

func TestActivate_IgnoredAfterQuit(t *testing.T) {
	b := &fakeBackend{rec: &recorder{}}
	c, rec := newCoordinator(t, true, b)
	require.NoError(t, c.Boot(context.Background()))
	c.OnWindowClosed()
	c.OnBeforeQuit()
	n := len(rec.list())
	require.NoError(t, c.OnActivate(context.Background()))
	assert.Len(t, rec.list(), n)
}

func TestStateString(t *testing.T) {
	for _, s := range allStates {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.Equal(t, "unknown", State(42).String())
}
