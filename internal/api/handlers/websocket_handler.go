package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/isdelr/gallery-sync/internal/store"
	ws "github.com/isdelr/gallery-sync/internal/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler streams store snapshots to UI clients and accepts actions
// from them.
type WebSocketHandler struct {
	hub      *ws.Hub
	store    Dispatcher
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler. Browser connections are
// accepted only from allowedOrigins; "*" allows any origin.
func NewWebSocketHandler(hub *ws.Hub, store Dispatcher, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
	}
}

// Serve handles the WebSocket connection request.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn)
	if !h.hub.Join(client) {
		conn.Close()
		return
	}
	client.DeliverJSON(ws.NewSnapshotMessage(h.store.Snapshot()))

	go client.WritePump()
	go client.ReadPump(h.handleIncomingWSMessage)
}

// handleIncomingWSMessage dispatches a store action received from a client.
// The outcome is sent back tagged with the message ID.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		client.DeliverJSON(ws.NewErrorMessage("", "invalid message", nil))
		return
	}

	action, err := store.DecodeAction(msg.Action, msg.Payload)
	if err != nil {
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
		client.DeliverJSON(ws.NewErrorMessage(msg.ID, err.Error(), nil))
		return
	}

	future := h.store.Dispatch(context.Background(), action)
	go func() {
		value, err := future.Wait(context.Background())
		if err != nil {
			body := errorBody(err)
			client.DeliverJSON(ws.NewErrorMessage(msg.ID, body["error"].(string), body["fields"]))
			return
		}
		client.DeliverJSON(ws.NewResultMessage(msg.ID, value))
	}()
}
