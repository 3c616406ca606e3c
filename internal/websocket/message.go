package websocket

import (
	"encoding/json"

	"github.com/isdelr/gallery-sync/internal/store"
)

// Outbound message actions.
const (
	ActionSnapshot = "snapshot"
	ActionResult   = "result"
	ActionError    = "error"
)

// Message defines the structure for websocket messages. Inbound messages
// name a store action and carry its JSON body; ID correlates the reply.
type Message struct {
	Action  string      `json:"action"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Inbound is a message received from a UI client.
type Inbound struct {
	Action  string          `json:"action"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewSnapshotMessage(snap store.Snapshot) Message {
	return Message{Action: ActionSnapshot, Payload: snap}
}

func NewResultMessage(id string, value interface{}) Message {
	return Message{Action: ActionResult, ID: id, Payload: value}
}

// NewErrorMessage reports a failed or rejected inbound message. Fields is set
// for validation failures.
func NewErrorMessage(id, message string, fields interface{}) Message {
	payload := map[string]interface{}{"error": message}
	if fields != nil {
		payload["fields"] = fields
	}
	return Message{Action: ActionError, ID: id, Payload: payload}
}
