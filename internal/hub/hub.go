package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// A room is either a queue room ("{department}::{date}") or a user id for
// personal notices.
type Client struct {
	ID    string
	Send  chan []byte
	rooms map[string]bool
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:    id,
		Send:  make(chan []byte, buffer),
		rooms: make(map[string]bool),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	client.rooms[room] = true
}

func (h *Hub) Unsubscribe(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room == "" {
		client.rooms = make(map[string]bool)
		return
	}
	delete(client.rooms, room)
}

// Broadcast delivers payload to every current subscriber of room. Delivery is
// best effort: a subscriber with a full send buffer is skipped, never waited on.
func (h *Hub) Broadcast(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.rooms[room] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub drop room=%s client=%s", room, client.ID)
		}
	}
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, client := range h.clients {
		if client.rooms[room] {
			count++
		}
	}
	return count
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
