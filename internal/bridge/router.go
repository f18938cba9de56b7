package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/viarom/furnivia/internal/metrics"
)

const (
	maxPayload   = 1 << 20
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StatusFunc reports what /healthz returns.
type StatusFunc func() any

// Router provides embeddable HTTP handlers for the bridge.
// Endpoints:
//
//	POST {basePath}/invoke/:name   body: channel payload JSON
//	GET  {basePath}/events         websocket of push messages
//	GET  /healthz                  shell and backend status
//	GET  /metrics                  prometheus metrics (when enabled)
//
// Requests under basePath must come from a local origin, and invoke bodies
// must be sent as application/json.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	bridge   *Bridge
	basePath string
	status   StatusFunc
	metrics  bool
	upgrader websocket.Upgrader
}

// NewRouter constructs a Router. status may be nil.
func NewRouter(b *Bridge, basePath string, status StatusFunc, withMetrics bool) *Router {
	return &Router{
		bridge:   b,
		basePath: sanitizeBase(basePath),
		status:   status,
		metrics:  withMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealth)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.Use(requireLocalOrigin)
	group.POST("/invoke/:name", r.handleInvoke)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server's Shutdown or Close.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("bridge server stopped", "error", err)
		}
	}()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type resultResp struct {
	Result any `json:"result"`
}

// requireLocalOrigin rejects requests sent by pages outside the shell.
func requireLocalOrigin(c *gin.Context) {
	if !localOrigin(c.Request) {
		slog.Warn("bridge request from foreign origin", "origin", c.GetHeader("Origin"), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "origin not allowed"})
		return
	}
	c.Next()
}

func (r *Router) handleInvoke(c *gin.Context) {
	// Only content types that force a browser preflight are accepted.
	if mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(c, http.StatusUnsupportedMediaType, errorResp{Error: "content type must be application/json"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayload))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	res, err := r.bridge.Invoke(c.Request.Context(), c.Param("name"), json.RawMessage(body))
	switch {
	case errors.Is(err, ErrNotAllowed):
		writeJSON(c, http.StatusForbidden, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, resultResp{Result: res})
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	var st any = gin.H{"ok": true}
	if r.status != nil {
		st = r.status()
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleEvents(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	hub := r.bridge.Hub()
	id, msgs, leave := hub.Join()
	defer leave()
	slog.Debug("bridge client connected", "client", id)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			slog.Debug("bridge client disconnected", "client", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("bridge write failed", "client", id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// localOrigin accepts pages served from loopback, file pages and clients
// that send no Origin.
func localOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
