// Package sse fans competition events out to connected HTTP stream clients.
package sse

import (
	"encoding/json"
	"sync"
)

// Event is one server-sent message.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Client is one connected stream consumer. Events is closed on unregister.
type Client struct {
	ID     string
	Events chan Event
}

func NewClient(id string, buffer int) *Client {
	return &Client{ID: id, Events: make(chan Event, buffer)}
}

// Hub manages stream clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Events)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an event to every client. Slow clients with a full
// buffer miss the event rather than block the publisher.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		trySend(c, event)
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Events)
		delete(h.clients, id)
	}
}

func trySend(c *Client, event Event) bool {
	select {
	case c.Events <- event:
		return true
	default:
		return false
	}
}
