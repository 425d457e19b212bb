package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/ThresholdForge/observability"
)

const maxStreamConnections = 200

// Event is one message on the dashboard stream: a task lifecycle transition
// or an auto refresh batch transition.
type Event struct {
	Type      string      `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stream event types.
const (
	EventTaskQueued        = "task.queued"
	EventTaskDeleted       = "task.deleted"
	EventRefreshInitialize = "refresh.initialized"
	EventRefreshProcess    = "refresh.processing"
	EventSchedulerStatus   = "scheduler.status"
)

// EventHub fans engine events out to connected websocket clients. A single
// broadcaster goroutine owns the send path; handlers only register
// connections and push events onto the buffered channel.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex

	status func() map[string]interface{}
}

// NewEventHub creates a hub. status, when non-nil, is polled periodically
// and broadcast as a scheduler.status event.
func NewEventHub(status func() map[string]interface{}) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 64),
		status:     status,
	}
}

// Run is the hub's main loop. It exits when ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("EventHub: connection rejected, max connections (%d) reached", maxStreamConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			log.Printf("EventHub: client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(total))
			log.Printf("EventHub: client unregistered. Total: %d", total)

		case event := <-h.events:
			h.broadcast(event)

		case <-ticker.C:
			if h.status == nil {
				continue
			}
			h.broadcast(Event{
				Type:      EventSchedulerStatus,
				Data:      h.status(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// Publish queues an event for broadcast. When the hub is saturated the event
// is dropped; the stream is advisory, the store is the source of truth.
func (h *EventHub) Publish(eventType, taskID string, data interface{}) {
	select {
	case h.events <- Event{Type: eventType, TaskID: taskID, Data: data, Timestamp: time.Now().UTC()}:
	default:
		log.Printf("EventHub: ⚠️ event channel full, dropping %s event", eventType)
	}
}

// broadcast writes one event to every client. Write failures hand the
// connection back to the unregister channel.
func (h *EventHub) broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("EventHub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown closes every client connection.
func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("EventHub: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.StreamClients.Set(0)
}

// Register adds a client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
