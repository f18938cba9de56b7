package client

import (
	"encoding/json"
	"time"
)

// Health is the reply of GET /healthz.
type Health struct {
	Lifecycle string        `json:"lifecycle"`
	Backend   BackendStatus `json:"backend"`
}

// BackendStatus describes the supervised backend process.
type BackendStatus struct {
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
}

// SaveResult is the reply to save-configuration.
type SaveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Message is one push received on the events stream.
type Message struct {
	Channel string       `json:"channel"`
	Data    Notification `json:"data"`
}

// Notification carries backend output, a state change or an error dialog.
type Notification struct {
	Kind    string    `json:"kind"`
	Line    string    `json:"line,omitempty"`
	State   string    `json:"state,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// ErrorResponse represents a bridge error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result"`
}
