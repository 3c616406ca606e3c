package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/rs/zerolog/log"
)

// RecentFetcher loads the unpaged list of newest photos.
type RecentFetcher func(ctx context.Context) ([]models.Photo, error)

// RecentState is a snapshot of the recent feed.
type RecentState struct {
	Items   []models.Photo `json:"items"`
	MaxSize int            `json:"maxSize"`
	Loading bool           `json:"loading"`
	Error   string         `json:"error,omitempty"`
}

// Recent is the bounded, newest-first feed. Inserting past MaxSize evicts the
// oldest entry.
type Recent struct {
	fetch   RecentFetcher
	maxSize int

	mu       sync.Mutex
	items    []models.Photo
	loading  bool
	epoch    uint64
	err      error
	onChange func()
}

// NewRecent creates an empty recent feed holding at most maxSize photos.
func NewRecent(fetch RecentFetcher, maxSize int) *Recent {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Recent{fetch: fetch, maxSize: maxSize}
}

// OnChange registers a callback run after every state change.
func (r *Recent) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Load replaces the feed with the backend's current list. A call made while
// another load is in flight is a no-op.
func (r *Recent) Load(ctx context.Context) error {
	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		return nil
	}
	r.loading = true
	epoch := r.epoch
	r.mu.Unlock()
	r.changed()

	photos, err := r.fetch(ctx)

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStaleQuery, err)
		}
		return ErrStaleQuery
	}
	r.loading = false
	if err != nil {
		r.err = err
		r.mu.Unlock()
		log.Warn().Err(err).Msg("Failed to load recent photos")
		r.changed()
		return err
	}
	r.err = nil
	r.items = r.items[:0:0]
	seen := make(map[int64]struct{}, len(photos))
	for _, p := range photos {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		r.items = append(r.items, p)
		if len(r.items) == r.maxSize {
			break
		}
	}
	r.mu.Unlock()
	r.changed()
	return nil
}

// Reset empties the feed and discards any in-flight load.
func (r *Recent) Reset() {
	r.mu.Lock()
	r.epoch++
	r.items = nil
	r.loading = false
	r.err = nil
	r.mu.Unlock()
	r.changed()
}

// Prepend inserts a new photo at the front, evicting the oldest entry when the
// feed is full. A photo already present is replaced in place.
func (r *Recent) Prepend(p models.Photo) {
	r.mu.Lock()
	if !r.replaceLocked(p) {
		r.items = append([]models.Photo{p}, r.items...)
		if len(r.items) > r.maxSize {
			r.items = r.items[:r.maxSize]
		}
	}
	r.mu.Unlock()
	r.changed()
}

// Replace swaps the photo with the same id in place.
func (r *Recent) Replace(p models.Photo) bool {
	r.mu.Lock()
	ok := r.replaceLocked(p)
	r.mu.Unlock()
	if ok {
		r.changed()
	}
	return ok
}

func (r *Recent) replaceLocked(p models.Photo) bool {
	for i := range r.items {
		if r.items[i].ID == p.ID {
			r.items[i] = p
			return true
		}
	}
	return false
}

// Remove drops the photo with the given id.
func (r *Recent) Remove(id int64) bool {
	r.mu.Lock()
	removed := false
	for i := range r.items {
		if r.items[i].ID == id {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()
	if removed {
		r.changed()
	}
	return removed
}

// State returns a snapshot of the recent feed.
func (r *Recent) State() RecentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]models.Photo, len(r.items))
	copy(items, r.items)
	st := RecentState{Items: items, MaxSize: r.maxSize, Loading: r.loading}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

func (r *Recent) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
