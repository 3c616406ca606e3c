package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isdelr/gallery-sync/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the part of the store the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, a store.Action) *store.Future
	Authenticated() bool
}

// Scheduler refreshes the recent feed on a cron schedule while a user is
// signed in.
type Scheduler struct {
	store   Dispatcher
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	running bool
}

// NewScheduler parses spec (standard cron or a descriptor such as
// "@every 1m") and prepares the job.
func NewScheduler(st Dispatcher, spec string, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Scheduler{store: st, cron: cron.New(), timeout: timeout}
	if _, err := s.cron.AddFunc(spec, s.refreshRecent); err != nil {
		return nil, fmt.Errorf("invalid recent poll schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the scheduler in the background.
func (s *Scheduler) Run() {
	log.Info().Msg("Starting background scheduler...")
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Stopping background scheduler.")
}

// refreshRecent dispatches a recent-feed load. Ticks that fire while the
// previous load is still running are skipped.
func (s *Scheduler) refreshRecent() {
	if !s.store.Authenticated() {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.store.Dispatch(ctx, store.LoadRecent{}).Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Scheduler: recent feed refresh failed")
		return
	}
	log.Debug().Msg("Scheduler: recent feed refreshed")
}
