package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isdelr/gallery-sync/internal/api"
	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/config"
	"github.com/isdelr/gallery-sync/internal/credential"
	"github.com/isdelr/gallery-sync/internal/database"
	"github.com/isdelr/gallery-sync/internal/logger"
	"github.com/isdelr/gallery-sync/internal/monitoring"
	"github.com/isdelr/gallery-sync/internal/services"
	"github.com/isdelr/gallery-sync/internal/session"
	"github.com/isdelr/gallery-sync/internal/store"
	"github.com/isdelr/gallery-sync/internal/websocket"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	creds, err := credential.NewSQLiteStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential store")
	}

	jar, err := credential.NewSQLiteJar(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cookie jar")
	}

	// Set up the backend client
	apiClient, err := client.New(client.Options{
		BaseURL:     cfg.APIBaseURL,
		Credentials: creds,
		Jar:         jar,
		Timeout:     cfg.HTTPTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend client")
	}

	// Set up services
	authService := services.NewAuthService(apiClient)
	photoService := services.NewPhotoService(apiClient)
	uploadService := services.NewUploadService(photoService, apiClient.HTTPClient(), cfg.MaxImageDim)

	// Set up the store
	st := store.New(store.Deps{
		Session:   session.NewController(authService, creds),
		Photos:    photoService,
		Uploads:   uploadService,
		PageLimit: cfg.PageLimit,
		RecentMax: cfg.RecentMax,
	})
	apiClient.SetSessionExpiredHandler(st.SessionExpired)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go st.Run(ctx)

	// Resume a session left by a previous run.
	go func() {
		restored, err := st.Dispatch(ctx, store.Restore{}).Wait(ctx)
		if err != nil {
			log.Info().Err(err).Msg("No session restored")
			return
		}
		log.Info().Interface("restored", restored).Msg("Startup session check finished")
	}()

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run(ctx)
	snapshots, unsubscribe := st.Subscribe()
	defer unsubscribe()
	go hub.Relay(ctx, snapshots)

	// Set up and run the background scheduler
	var scheduler *monitoring.Scheduler
	if cfg.RecentPoll != "" {
		scheduler, err = monitoring.NewScheduler(st, cfg.RecentPoll, cfg.HTTPTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up scheduler")
		}
		scheduler.Run()
	}

	// Set up router
	router := api.NewRouter(hub, st, cfg.AllowedOrigins)

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Str("backend", cfg.APIBaseURL).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	stop()
	st.Close()

	log.Info().Msg("Server exiting")
}
