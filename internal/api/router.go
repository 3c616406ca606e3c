package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/gallery-sync/internal/api/handlers"
	"github.com/isdelr/gallery-sync/internal/websocket"
)

// NewRouter creates and configures the local API the UI talks to.
func NewRouter(hub *websocket.Hub, store handlers.Dispatcher, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	stateHandler := handlers.NewStateHandler(store)
	actionHandler := handlers.NewActionHandler(store)
	wsHandler := handlers.NewWebSocketHandler(hub, store, allowedOrigins)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket connection endpoint
		r.Get("/ws", wsHandler.Serve)

		r.Get("/state", stateHandler.Get)
		r.With(middleware.Timeout(2*time.Minute)).Post("/actions/{name}", actionHandler.Dispatch)
	})

	return r
}
