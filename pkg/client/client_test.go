package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viarom/furnivia/internal/bridge"
	"github.com/viarom/furnivia/internal/dbconfig"
	"github.com/viarom/furnivia/internal/profile"
	"github.com/viarom/furnivia/internal/secret"
	"github.com/viarom/furnivia/internal/store"
)

type tester struct{ err error }

func (t tester) TestConnection(_ context.Context, cfg dbconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return t.err
}

type restarter struct{ calls int }

func (r *restarter) Restart(context.Context, time.Duration) error {
	r.calls++
	return nil
}

func newShell(t *testing.T, testErr error) (*Client, *bridge.Bridge, *restarter) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	rs := &restarter{}
	b := bridge.New(bridge.Deps{
		Configs:  dbconfig.NewRepository(store.Open(dir, dbconfig.StoreName)),
		Profiles: profile.NewRepository(store.Open(dir, profile.StoreName), secret.NewCipher("k")),
		Tester:   tester{err: testErr},
		Backend:  rs,
	})
	status := func() any { return map[string]any{"lifecycle": "running", "backend": map[string]any{"state": "running", "running": true, "pid": 42, "port": 8000}} }
	srv := httptest.NewServer(bridge.NewRouter(b, "/bridge", status, false).Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}), b, rs
}

func TestHealth(t *testing.T) {
	c, _, _ := newShell(t, nil)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", h.Lifecycle)
	assert.True(t, h.Backend.Running)
	assert.Equal(t, 42, h.Backend.PID)
	assert.True(t, c.IsReachable(context.Background()))

	dead := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, dead.IsReachable(context.Background()))
}

func TestSaveConfiguration(t *testing.T) {
	c, _, rs := newShell(t, nil)
	cfg := dbconfig.FromURL("postgresql://u:p@db.local:5432/furnizori")
	res, err := c.SaveConfiguration(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, rs.calls)

	var got dbconfig.Config
	require.NoError(t, c.Invoke(context.Background(), "get-configuration", nil, &got))
	assert.Equal(t, "db.local", got.Host)
}

func TestSaveConfiguration_Failure(t *testing.T) {
	c, _, rs := newShell(t, errors.New("connection refused"))
	res, err := c.SaveConfiguration(context.Background(), dbconfig.FromURL("postgresql://u:p@db.local:5432/x"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.Error)
	assert.Zero(t, rs.calls)
}

func TestInvoke_NotAllowed(t *testing.T) {
	c, _, _ := newShell(t, nil)
	err := c.Invoke(context.Background(), "open-file-dialog", nil, nil)
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestEvents(t *testing.T) {
	c, b, _ := newShell(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := c.Events(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Hub().ShowError("Backend Error", "Backend process exited unexpectedly with code 3")
	select {
	case m := <-msgs:
		assert.Equal(t, "backend-output-notification", m.Channel)
		assert.Equal(t, "error", m.Data.Kind)
		assert.Equal(t, "Backend Error", m.Data.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-msgs
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
