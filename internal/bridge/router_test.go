package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viarom/furnivia/internal/dialog"
	"github.com/viarom/furnivia/internal/profile"
	"github.com/viarom/furnivia/internal/supervisor"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T, withMetrics bool) (*httptest.Server, *testEnv) {
	t.Helper()
	e := newEnv(t, fakeTester{})
	r := NewRouter(e.bridge, "/bridge", func() any { return map[string]string{"backend": "running"} }, withMetrics)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return ts, e
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body)) // #nosec G107
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func send(t *testing.T, url, origin, contentType, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func savedProfile(t *testing.T, e *testEnv) {
	t.Helper()
	require.NoError(t, e.profiles.Set(profile.Profile{Email: "ion@viarom.ro", SMTPServer: "smtp.gmail.com", SMTPPort: "587", SMTPPass: "pw", Name: "Ion"}))
}

func TestRouter_Invoke(t *testing.T) {
	ts, e := newTestServer(t, false)

	code, out := post(t, ts.URL+"/bridge/invoke/get-configuration", "")
	assert.Equal(t, http.StatusOK, code)
	cfg := out["result"].(map[string]any)
	assert.Equal(t, "local", cfg["type"])

	body, _ := json.Marshal(hosted)
	code, out = post(t, ts.URL+"/bridge/invoke/save-configuration", string(body))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"success": true}, out["result"])
	assert.Equal(t, 1, e.restart.count())
}

func TestRouter_RejectsUnknownChannel(t *testing.T) {
	ts, _ := newTestServer(t, false)
	code, out := post(t, ts.URL+"/bridge/invoke/run-shell", `{"cmd":"rm -rf /"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, out["error"], "not allowed")
}

func TestRouter_HandlerErrorIsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, false)
	code, out := post(t, ts.URL+"/bridge/invoke/set-user-profile", `{"email":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "invalid profile")
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, true)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.JSONEq(t, `{"backend":"running"}`, string(b))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, _ := newTestServer(t, false)
	resp, err = http.Get(plain.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dial(t *testing.T, ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge/events"
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(u, h)
}

func TestRouter_EventsStream(t *testing.T) {
	ts, e := newTestServer(t, false)
	conn, _, err := dial(t, ts, "http://localhost:5173")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	hub := e.bridge.Hub()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	var p dialog.Presenter = hub
	hub.Notify(Notification{Kind: KindOutput, Line: "INFO:     Uvicorn running on http://127.0.0.1:8000"})
	p.ShowError("Backend Error", "Backend process exited unexpectedly with code 1")

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m1, m2 Message
	require.NoError(t, conn.ReadJSON(&m1))
	require.NoError(t, conn.ReadJSON(&m2))
	assert.Equal(t, BackendOutputNotification, m1.Channel)
	assert.Equal(t, KindOutput, m1.Data.Kind)
	assert.Contains(t, m1.Data.Line, "Uvicorn running")
	assert.Equal(t, KindError, m2.Data.Kind)
	assert.Equal(t, "Backend Error", m2.Data.Title)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_RejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, false)
	_, resp, err := dial(t, ts, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouter_InvokeRejectsForeignOrigin(t *testing.T) {
	ts, e := newTestServer(t, false)
	savedProfile(t, e)

	for _, ct := range []string{"text/plain", "application/json"} {
		code, out := send(t, ts.URL+"/bridge/invoke/clear-user-profile", "http://evil.example", ct, "")
		assert.Equal(t, http.StatusForbidden, code, ct)
		assert.Equal(t, "origin not allowed", out["error"])
	}
	code, _ := send(t, ts.URL+"/bridge/invoke/get-user-profile", "https://evil.example", "application/json", "")
	assert.Equal(t, http.StatusForbidden, code)

	p, err := e.profiles.Get()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "ion@viarom.ro", p.Email)
}

func TestRouter_InvokeRequiresJSON(t *testing.T) {
	ts, e := newTestServer(t, false)
	savedProfile(t, e)

	for _, ct := range []string{"text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x", ""} {
		code, out := send(t, ts.URL+"/bridge/invoke/clear-user-profile", "", ct, "")
		assert.Equal(t, http.StatusUnsupportedMediaType, code, ct)
		assert.Contains(t, out["error"], "application/json")
	}
	p, err := e.profiles.Get()
	require.NoError(t, err)
	require.NotNil(t, p)

	code, _ := send(t, ts.URL+"/bridge/invoke/clear-user-profile", "http://127.0.0.1:5173", "application/json; charset=utf-8", "")
	assert.Equal(t, http.StatusOK, code)
	p, err = e.profiles.Get()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLocalOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                       true,
		"null":                   true,
		"file://":                true,
		"http://localhost:3000":  true,
		"http://127.0.0.1:8000":  true,
		"http://[::1]:5173":      true,
		"https://viarom.ro":      false,
		"http://192.168.1.10:80": false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/bridge/events", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, localOrigin(req), origin)
	}
}

func TestHub_ForwardSupervisorEvents(t *testing.T) {
	hub := NewHub()
	_, msgs, leave := hub.Join()
	defer leave()

	events := make(chan supervisor.Event, 2)
	events <- supervisor.Event{Kind: supervisor.EventOutput, Line: "ready"}
	events <- supervisor.Event{Kind: supervisor.EventState, State: supervisor.StateRunning, PID: 42}
	close(events)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub.Forward(ctx, events)

	m := <-msgs
	assert.Equal(t, "ready", m.Data.Line)
	m = <-msgs
	assert.Equal(t, KindState, m.Data.Kind)
	assert.Equal(t, "running", m.Data.State)
	assert.Equal(t, 42, m.Data.PID)
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	_, msgs, leave := hub.Join()
	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer*2; i++ {
			hub.Notify(Notification{Kind: KindOutput, Line: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a slow client")
	}
	assert.Len(t, msgs, clientBuffer)
	leave()
	leave()
	assert.Zero(t, hub.Clients())
}

func TestNewServer_ServesOnLoopback(t *testing.T) {
	e := newEnv(t, fakeTester{})
	srv, err := NewServer("127.0.0.1:0", NewRouter(e.bridge, "", nil, false))
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Post("http://"+srv.Addr+"/invoke/get-user-profile", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
