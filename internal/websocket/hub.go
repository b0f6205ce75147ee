package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"

	"nutrichat/internal/models"
)

// Hub fans server events out to the connected clients of each user. A user
// may hold several connections (TUI and load test, two terminals).
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
	userMap map[int64]map[*Client]bool
	logger  *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		userMap:    make(map[int64]map[*Client]bool),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Println("WebSocket hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			h.logger.Println("WebSocket hub stopped")
			return

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userMap[client.userID] == nil {
				h.userMap[client.userID] = make(map[*Client]bool)
			}
			h.userMap[client.userID][client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("Client connected: %s (ID: %d), total clients: %d",
				client.username, client.userID, total)

			welcome := models.WebSocketMessage{
				Type:    models.EventSystem,
				Payload: map[string]interface{}{"message": "connected"},
			}
			if data, err := json.Marshal(welcome); err == nil {
				client.send <- data
			}

		case client := <-h.Unregister:
			h.mu.Lock()
			if h.clients[client] {
				h.removeLocked(client)
				h.logger.Printf("Client disconnected: %s (ID: %d), remaining clients: %d",
					client.username, client.userID, len(h.clients))
			}
			h.mu.Unlock()
		}
	}
}

// SendToUsers delivers message to every connection of the given users.
// Connections whose buffer is full are dropped; they reconnect and the
// pollers cover the gap.
func (h *Hub) SendToUsers(userIDs []int64, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Printf("Failed to marshal message: %v", err)
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, userID := range userIDs {
		for client := range h.userMap[userID] {
			select {
			case client.send <- data:
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if h.clients[client] {
				h.logger.Printf("Dropping slow client: %s (ID: %d)", client.username, client.userID)
				h.removeLocked(client)
			}
		}
		h.mu.Unlock()
	}
	return nil
}

// Join registers client unless the hub has stopped.
func (h *Hub) Join(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// Connected reports how many connections userID currently holds.
func (h *Hub) Connected(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap[userID])
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	if conns := h.userMap[client.userID]; conns != nil {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.userMap, client.userID)
		}
	}
	close(client.send)
}
