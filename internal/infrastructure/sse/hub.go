package sse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bountyhub/bountyhub/internal/domain/notification"
)

var ErrClientNotFound = errors.New("sse client not found")

// Client is one open event stream for a user.
type Client struct {
	ID       string
	UserID   string
	Messages chan *notification.Notification

	once sync.Once
}

func NewClient(id, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, UserID: userID, Messages: make(chan *notification.Notification, buffer)}
}

func (c *Client) close() { c.once.Do(func() { close(c.Messages) }) }

// Hub manages SSE clients. It is a notification.Sink: every delivered
// notification is pushed to the open streams of its recipient. Slow
// clients drop messages rather than block delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.ID]; ok {
		old.close()
	}
	h.clients[c.ID] = c
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped is the number of messages discarded because a client buffer was
// full.
func (h *Hub) Dropped() int { return int(h.dropped.Load()) }

func (h *Hub) CreateNotification(_ context.Context, n *notification.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserID == n.UserID {
			h.trySend(c, n)
		}
	}
	return nil
}

func (h *Hub) SendToClient(clientID string, n *notification.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	h.trySend(c, n)
	return nil
}

// trySend must run under the read lock; streams are only closed under the
// write lock.
func (h *Hub) trySend(c *Client, n *notification.Notification) {
	select {
	case c.Messages <- n:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
