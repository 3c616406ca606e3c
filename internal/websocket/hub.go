package websocket

import (
	"context"
	"encoding/json"

	"github.com/isdelr/gallery-sync/internal/store"
	"github.com/rs/zerolog/log"
)

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Outbound messages for every client.
	Broadcast chan []byte

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	done chan struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		Broadcast:  make(chan []byte, 16),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Join registers a client. It reports false once the hub has stopped.
func (h *Hub) Join(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Run starts the Hub's message processing loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*Client]bool)
			return
		case client := <-h.Register:
			h.clients[client] = true
			log.Info().Int("total_clients", len(h.clients)).Msg("Client connected")
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				log.Info().Int("total_clients", len(h.clients)).Msg("Client disconnected")
			}
		case message := <-h.Broadcast:
			for client := range h.clients {
				if !client.Deliver(message) {
					log.Warn().Msg("Dropping slow websocket client")
					delete(h.clients, client)
					client.close()
				}
			}
		}
	}
}

// Relay broadcasts every snapshot received on updates until ctx ends or the
// channel closes.
func (h *Hub) Relay(ctx context.Context, updates <-chan store.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			msg, err := json.Marshal(NewSnapshotMessage(snap))
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode snapshot")
				continue
			}
			select {
			case h.Broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
