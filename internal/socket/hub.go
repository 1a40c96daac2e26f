package socket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Client is one websocket connection. Writes are serialized because gorilla connections
// support only one concurrent writer.
type Client struct {
	UserID string

	conn *websocket.Conn
	mu   sync.Mutex
}

// Write sends one text message.
func (c *Client) Write(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// WriteJSON marshals v and sends it.
func (c *Client) WriteJSON(v interface{}) error {
	message, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(message)
}

// Hub tracks open websocket connections. A user may have several, one per browser tab.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	log     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		log:     logger,
	}
}

// Register adds a connection for userID.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	client := &Client{UserID: userID, conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[userID] = set
	}
	set[client] = struct{}{}
	h.log.Info("WebSocket client registered", zap.String("userID", userID), zap.Int("connections", len(set)))
	return client
}

// Unregister removes one connection.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
	h.log.Info("WebSocket client unregistered", zap.String("userID", client.UserID))
}

// Connections reports how many connections userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Send writes message to every connection of userID. An offline user is not an error.
func (h *Hub) Send(userID string, message []byte) error {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.log.Debug("WebSocket client not found, could not send message", zap.String("userID", userID))
		return nil
	}

	var errs []error
	for _, client := range targets {
		if err := client.Write(message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendJSON marshals v and sends it to every connection of userID.
func (h *Hub) SendJSON(userID string, v interface{}) error {
	message, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Send(userID, message)
}
