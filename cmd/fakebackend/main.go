// Command fakebackend serves an in-memory gallery REST API for local
// development of the sync daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isdelr/gallery-sync/internal/backend"
	"github.com/isdelr/gallery-sync/internal/logger"
	"github.com/rs/zerolog/log"
)

func main() {
	port := flag.Int("port", 8080, "listen port")
	ttl := flag.Duration("access-ttl", 15*time.Minute, "lifetime of issued access tokens")
	seed := flag.Bool("seed", true, "create a demo user with a few photos")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := logger.Init(*level, "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	publicURL := fmt.Sprintf("http://localhost:%d/api", *port)
	b := backend.NewServer(backend.Options{PublicURL: publicURL, AccessTTL: *ttl})
	if *seed {
		user, err := b.SeedUser("Demo", "demo@example.com", "demo-password")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo user")
		}
		for _, title := range []string{"Lighthouse", "Harbour", "Forest", "Dunes"} {
			b.SeedPhoto(user.ID, title, "")
		}
		log.Info().Str("email", user.Email).Msg("Seeded demo user")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/api", b.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: r}
	go func() {
		log.Info().Int("port", *port).Msg("Fake backend starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Fake backend forced to shutdown")
	}
}
