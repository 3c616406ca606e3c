// Package reconcile applies mutation results to every live feed so the views
// stay consistent without a refetch.
package reconcile

import (
	"sync"

	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/rs/zerolog/log"
)

// Collection is a feed that accepts local edits. Implementations never touch
// pagination state when edited.
type Collection interface {
	Prepend(p models.Photo)
	Replace(p models.Photo) bool
	Remove(id int64) bool
}

// Reconciler fans mutation results out to the registered feeds.
type Reconciler struct {
	mu    sync.RWMutex
	feeds map[string]Collection
}

// New creates a Reconciler over the given feeds, keyed by name.
func New(feeds map[string]Collection) *Reconciler {
	r := &Reconciler{feeds: make(map[string]Collection, len(feeds))}
	for name, f := range feeds {
		r.feeds[name] = f
	}
	return r
}

// Register adds or replaces a live feed.
func (r *Reconciler) Register(name string, c Collection) {
	r.mu.Lock()
	r.feeds[name] = c
	r.mu.Unlock()
}

// Unregister drops a feed whose view went away.
func (r *Reconciler) Unregister(name string) {
	r.mu.Lock()
	delete(r.feeds, name)
	r.mu.Unlock()
}

// Created prepends a new photo to every feed, whatever its query filter. The
// photo may briefly show up in a feed it does not match until that feed resets.
func (r *Reconciler) Created(p models.Photo) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.feeds {
		f.Prepend(p)
	}
	log.Debug().Int64("photo_id", p.ID).Int("feeds", len(r.feeds)).Msg("Reconciled created photo")
}

// Updated replaces the photo in place wherever it is present. It returns the
// names of the feeds that held it.
func (r *Reconciler) Updated(p models.Photo) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var touched []string
	for name, f := range r.feeds {
		if f.Replace(p) {
			touched = append(touched, name)
		}
	}
	log.Debug().Int64("photo_id", p.ID).Strs("feeds", touched).Msg("Reconciled updated photo")
	return touched
}

// Deleted removes the photo from every feed that holds it.
func (r *Reconciler) Deleted(id int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var touched []string
	for name, f := range r.feeds {
		if f.Remove(id) {
			touched = append(touched, name)
		}
	}
	log.Debug().Int64("photo_id", id).Strs("feeds", touched).Msg("Reconciled deleted photo")
	return touched
}
