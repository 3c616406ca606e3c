package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/isdelr/gallery-sync/internal/store"
)

// Dispatcher is the part of the store the handlers depend on.
type Dispatcher interface {
	Dispatch(ctx context.Context, a store.Action) *store.Future
	Snapshot() store.Snapshot
	Subscribe() (<-chan store.Snapshot, func())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps an action failure to the status reported to the UI.
func errorStatus(err error) int {
	var verrs models.ValidationErrors
	var nerr *client.NetworkError
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, client.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &nerr):
		return http.StatusBadGateway
	}
	if status := client.StatusOf(err); status >= 400 && status < 500 {
		return status
	}
	if client.StatusOf(err) >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON error shape. Fields is set for validation failures.
func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{"error": err.Error()}
	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		body["error"] = "validation failed"
		body["fields"] = verrs
	}
	return body
}
