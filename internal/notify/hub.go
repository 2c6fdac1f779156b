// Package notify publishes change events to local UI clients over
// WebSocket. The daemon broadcasts which tables and message ids changed;
// the desktop shell refreshes its views from the shared database.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one change notification pushed to clients.
type Event struct {
	Kind       string   `json:"kind"` // "tables" or "messages"
	AccountID  string   `json:"account_id"`
	Tables     []string `json:"tables,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Client wraps one WebSocket connection.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub manages the active WebSocket connections. It supports multiple
// clients (e.g. several UI windows) up to a fixed limit.
type Hub struct {
	log        *logrus.Entry
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
}

// NewHub creates a Hub with a connection limit.
func NewHub(log *logrus.Entry, maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = 10
	}
	return &Hub{
		log:        log,
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
	}
}

// Register adds a WebSocket connection. If the limit is exceeded, the
// connection is closed and nil is returned.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		h.log.WithField("max", h.maxClients).Warn("too many notification clients, rejecting connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// TablesChanged broadcasts a table-level change event.
func (h *Hub) TablesChanged(accountID string, tables ...string) {
	h.broadcast(Event{Kind: "tables", AccountID: accountID, Tables: tables})
}

// MessagesChanged broadcasts a message-id-level change event.
func (h *Hub) MessagesChanged(accountID string, messageIDs []string) {
	h.broadcast(Event{Kind: "messages", AccountID: accountID, MessageIDs: messageIDs})
}

func (h *Hub) broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal notification")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, payload)
		client.mu.Unlock()
		if err != nil {
			h.log.WithError(err).Warn("failed to write notification, dropping client")
			go h.Unregister(client)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
