// internal/messaging/hub.go

package messaging

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub maintains active websocket connections. A user may be connected from
// several devices; every connection receives every update.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	clientsMux sync.RWMutex

	broadcast chan BroadcastMessage
	gateway   *Gateway

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type BroadcastMessage struct {
	UserID  string
	Message WSMessage
}

func NewHub(gateway *Gateway) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		broadcast: make(chan BroadcastMessage, 1024),
		gateway:   gateway,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Run delivers queued pushes until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-h.ctx.Done():
			h.cleanup()
			return
		}
	}
}

// Register adds a connection. The caller has already acquired the user's
// runtime from the gateway; Unregister releases it.
func (h *Hub) Register(client *Client) {
	h.clientsMux.Lock()
	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	set[client] = struct{}{}
	n := len(set)
	h.clientsMux.Unlock()

	log.Debug().Str("component", "chat_hub").Str("user_id", client.userID).Int("connections", n).Msg("client connected")
}

// Unregister removes a connection and releases its runtime reference. Safe
// to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.clientsMux.Lock()
	set, ok := h.clients[client.userID]
	if ok {
		if _, ok = set[client]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		}
	}
	h.clientsMux.Unlock()

	client.Close()
	if ok {
		if h.gateway != nil {
			h.gateway.Release(client.userID)
		}
		log.Debug().Str("component", "chat_hub").Str("user_id", client.userID).Msg("client disconnected")
	}
}

// Push queues msg for every connection of userID. It never blocks; pushes
// made after Shutdown are dropped.
func (h *Hub) Push(userID string, msg WSMessage) {
	select {
	case h.broadcast <- BroadcastMessage{UserID: userID, Message: msg}:
	case <-h.ctx.Done():
	default:
		log.Warn().Str("component", "chat_hub").Str("user_id", userID).Msg("broadcast queue full, dropping update")
	}
}

func (h *Hub) deliver(msg BroadcastMessage) {
	h.clientsMux.RLock()
	targets := make([]*Client, 0, len(h.clients[msg.UserID]))
	for c := range h.clients[msg.UserID] {
		targets = append(targets, c)
	}
	h.clientsMux.RUnlock()

	if len(targets) == 0 {
		return
	}
	for _, c := range targets {
		c.enqueue(msg.Message)
	}
}

func (h *Hub) cleanup() {
	h.clientsMux.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.clientsMux.Unlock()

	for _, c := range all {
		c.Close()
		if h.gateway != nil {
			h.gateway.Release(c.userID)
		}
	}
}

func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}

// IsUserOnline reports whether userID has at least one open connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) GetActiveConnections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

