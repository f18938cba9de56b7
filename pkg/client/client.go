// Package client talks to a running FurniVIA shell over its loopback bridge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotAllowed is returned when the shell rejects the channel.
var ErrNotAllowed = errors.New("bridge channel not allowed")

// Client provides HTTP client functionality to communicate with a shell bridge
type Client struct {
	baseURL  string
	basePath string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // e.g. http://127.0.0.1:49152
	BasePath string // bridge route prefix, default /bridge
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "/bridge",
		Timeout:  10 * time.Second,
	}
}

// New creates a new bridge client
func New(config Config) *Client {
	if config.BasePath == "" {
		config.BasePath = "/bridge"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		basePath: "/" + strings.Trim(config.BasePath, "/"),
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the shell is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Shell unreachable", "error", err)
		return false
	}
	return true
}

// Health returns the shell's lifecycle and backend status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return h, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return h, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return h, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Invoke calls channel with payload marshalled as JSON and decodes the
// result into out when out is non-nil.
func (c *Client) Invoke(ctx context.Context, channel string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = b
	}
	c.logger.Debug("Invoking bridge channel", "channel", channel)

	u := c.baseURL + c.basePath + "/invoke/" + url.PathEscape(channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	var ir invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if out == nil || len(ir.Result) == 0 {
		return nil
	}
	return json.Unmarshal(ir.Result, out)
}

// SaveConfiguration tests and stores cfg in the shell, which then restarts
// its backend.
func (c *Client) SaveConfiguration(ctx context.Context, cfg any) (SaveResult, error) {
	var res SaveResult
	err := c.Invoke(ctx, "save-configuration", cfg, &res)
	return res, err
}

// Events streams push messages until ctx is cancelled or the shell goes
// away; the returned channel is then closed.
func (c *Client) Events(ctx context.Context) (<-chan Message, error) {
	u, err := url.Parse(c.baseURL + c.basePath + "/events")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}

	out := make(chan Message, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("Events stream closed", "error", err)
				}
				return
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrNotAllowed, errorResp.Error)
	}
	return fmt.Errorf("bridge error: %s", errorResp.Error)
}
