package handlers

import "net/http"

// StateHandler serves the current store snapshot.
type StateHandler struct {
	store Dispatcher
}

func NewStateHandler(store Dispatcher) *StateHandler {
	return &StateHandler{store: store}
}

// Get handles GET /state.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}
