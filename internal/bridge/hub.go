package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viarom/furnivia/internal/supervisor"
)

const clientBuffer = 256

// Notification kinds carried on BackendOutputNotification.
const (
	KindOutput = "output"
	KindState  = "state"
	KindError  = "error"
)

// Message is one push to the UI.
type Message struct {
	Channel string       `json:"channel"`
	Data    Notification `json:"data"`
}

// Notification is the payload of BackendOutputNotification.
type Notification struct {
	Kind    string    `json:"kind"`
	Line    string    `json:"line,omitempty"`
	State   string    `json:"state,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Hub fans notifications out to connected UI clients. A client that falls
// behind loses messages rather than stalling the backend.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan Message
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan Message)}
}

// Join registers a client and returns its id, its message channel and a
// leave func.
func (h *Hub) Join() (string, <-chan Message, func()) {
	id := uuid.NewString()
	ch := make(chan Message, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify pushes n to every client.
func (h *Hub) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	msg := Message{Channel: BackendOutputNotification, Data: n}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Forward relays supervisor events until ctx ends or events closes.
func (h *Hub) Forward(ctx context.Context, events <-chan supervisor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case supervisor.EventOutput:
				h.Notify(Notification{Kind: KindOutput, Line: e.Line, At: e.At})
			case supervisor.EventState:
				h.Notify(Notification{Kind: KindState, State: e.State.String(), PID: e.PID, At: e.At})
			}
		}
	}
}

// ShowError pushes an error dialog to the UI, making the hub a
// dialog.Presenter.
func (h *Hub) ShowError(title, message string) {
	h.Notify(Notification{Kind: KindError, Title: title, Message: message})
}
