package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/session"
)

const statusSchemaVersion = 1

// statusMessage is the envelope for everything written to /status clients.
type statusMessage struct {
	SchemaVersion int               `json:"schema_version"`
	Type          string            `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	Snapshot      *session.Snapshot `json:"snapshot,omitempty"`
	Event         *session.Event    `json:"event,omitempty"`
	Error         *statusError      `json:"error,omitempty"`
}

type statusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusHub fans session events out to every connected /status client.
// Slow clients drop messages rather than block the session.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool

	subscribed   bool
	intervalMs   int
	tickerCancel context.CancelFunc
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 256),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// PublishEvent forwards a session event to subscribers. It matches the
// session event handler signature.
func (h *StatusHub) PublishEvent(ev session.Event) {
	h.Broadcast(statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          "event",
		Timestamp:     time.Now().UnixMilli(),
		Event:         &ev,
	})
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *statusClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *statusClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
