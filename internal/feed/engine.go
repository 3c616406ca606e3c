// Package feed implements the cursor-paginated, query-scoped photo feeds and
// the bounded recent feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrStaleQuery reports that a page arrived for a query that is no longer
// active. The page has been discarded; callers should not surface it.
var ErrStaleQuery = errors.New("feed: response belongs to a superseded query")

// Status is the externally visible state of an Engine.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusExhausted Status = "exhausted"
	StatusError     Status = "error"
)

// Fetcher loads one page for query starting at cursor ("" for the first page).
type Fetcher func(ctx context.Context, query, cursor string, limit int) (models.PhotoPage, error)

// State is a snapshot of one feed, safe to hand to the UI.
type State struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Items       []models.Photo `json:"items"`
	Cursor      *string        `json:"cursor"`
	HasMore     bool           `json:"hasMore"`
	Exhausted   bool           `json:"exhausted"`
	Loading     bool           `json:"loading"`
	ActiveQuery string         `json:"activeQuery"`
	Error       string         `json:"error,omitempty"`
}

// fetchToken identifies the query a fetch was started for, the query
// generation and the hard-reset generation.
type fetchToken struct {
	query      string
	epoch      uint64
	generation uint64
}

// Engine is the Feed Cursor Engine for one paginated view.
type Engine struct {
	name  string
	fetch Fetcher
	limit int

	mu         sync.Mutex
	items      []models.Photo
	ids        map[int64]struct{}
	cursor     *string
	fetched    bool
	exhausted  bool
	loading    bool
	query      string
	epoch      uint64
	generation uint64
	err        error
	onChange   func()
}

// NewEngine creates an idle feed with an empty query.
func NewEngine(name string, fetch Fetcher, limit int) *Engine {
	return &Engine{
		name:  name,
		fetch: fetch,
		limit: limit,
		ids:   make(map[int64]struct{}),
	}
}

// Name returns the feed's key.
func (e *Engine) Name() string { return e.name }

// OnChange registers a callback run after every state change, outside the lock.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// SetQuery makes q the active query. A different query resets the feed to idle;
// it does not fetch. It reports whether a reset happened.
func (e *Engine) SetQuery(q string) bool {
	e.mu.Lock()
	if q == e.query {
		e.mu.Unlock()
		return false
	}
	e.query = q
	e.resetLocked()
	e.mu.Unlock()

	log.Debug().Str("feed", e.name).Str("query", q).Msg("Feed query changed")
	e.changed()
	return true
}

// Reset clears the feed while keeping its query, e.g. when the session changes.
// Pages still in flight are discarded, whatever their query.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.generation++
	e.resetLocked()
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) resetLocked() {
	e.epoch++
	e.items = nil
	e.ids = make(map[int64]struct{})
	e.cursor = nil
	e.fetched = false
	e.exhausted = false
	e.loading = false
	e.err = nil
}

// LoadNext fetches the next page. It returns immediately with 0 when a fetch is
// already in flight or the feed is exhausted. Otherwise it returns how many new
// items were appended.
func (e *Engine) LoadNext(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.loading || e.exhausted {
		e.mu.Unlock()
		return 0, nil
	}
	e.loading = true
	token := fetchToken{query: e.query, epoch: e.epoch, generation: e.generation}
	cursor := ""
	if e.cursor != nil {
		cursor = *e.cursor
	}
	e.mu.Unlock()
	e.changed()

	page, err := e.fetch(ctx, token.query, cursor, e.limit)

	e.mu.Lock()
	if token.epoch != e.epoch {
		added, staleErr := e.mergeStaleLocked(token, page, err)
		e.mu.Unlock()
		if added > 0 {
			e.changed()
		}
		return added, staleErr
	}

	e.loading = false
	if err != nil {
		e.err = err
		e.mu.Unlock()
		log.Warn().Err(err).Str("feed", e.name).Str("query", token.query).Msg("Failed to load feed page")
		e.changed()
		return 0, err
	}

	added := e.appendLocked(page.Items)
	e.cursor = page.NextCursor
	e.fetched = true
	e.exhausted = page.NextCursor == nil
	e.err = nil
	e.mu.Unlock()

	log.Debug().Str("feed", e.name).Int("added", added).Bool("exhausted", page.NextCursor == nil).Msg("Feed page loaded")
	e.changed()
	return added, nil
}

// mergeStaleLocked handles a response that arrived after a reset. Items for a
// query that became active again through SetQuery are merged by id; pagination
// state is left to the fetch of the current epoch. Anything fetched before a
// Reset is dropped. A stale failure wraps both ErrStaleQuery and the cause.
func (e *Engine) mergeStaleLocked(token fetchToken, page models.PhotoPage, err error) (int, error) {
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStaleQuery, err)
	}
	if token.query != e.query || token.generation != e.generation {
		log.Debug().Str("feed", e.name).Str("query", token.query).Str("active", e.query).Msg("Discarding stale feed response")
		return 0, ErrStaleQuery
	}
	return e.appendLocked(page.Items), nil
}

func (e *Engine) appendLocked(items []models.Photo) int {
	added := 0
	for _, p := range items {
		if _, dup := e.ids[p.ID]; dup {
			continue
		}
		e.ids[p.ID] = struct{}{}
		e.items = append(e.items, p)
		added++
	}
	return added
}

// Prepend puts a newly created photo at the front. If the id is already
// present (a page fetch won the race) it is replaced in place instead.
func (e *Engine) Prepend(p models.Photo) {
	e.mu.Lock()
	if _, ok := e.ids[p.ID]; ok {
		e.replaceLocked(p)
	} else {
		e.ids[p.ID] = struct{}{}
		e.items = append([]models.Photo{p}, e.items...)
	}
	e.mu.Unlock()
	e.changed()
}

// Replace swaps the photo with the same id, keeping its position.
func (e *Engine) Replace(p models.Photo) bool {
	e.mu.Lock()
	ok := e.replaceLocked(p)
	e.mu.Unlock()
	if ok {
		e.changed()
	}
	return ok
}

func (e *Engine) replaceLocked(p models.Photo) bool {
	if _, ok := e.ids[p.ID]; !ok {
		return false
	}
	for i := range e.items {
		if e.items[i].ID == p.ID {
			e.items[i] = p
			return true
		}
	}
	return false
}

// Remove drops the photo with the given id.
func (e *Engine) Remove(id int64) bool {
	e.mu.Lock()
	if _, ok := e.ids[id]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.ids, id)
	for i := range e.items {
		if e.items[i].ID == id {
			e.items = append(e.items[:i:i], e.items[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.changed()
	return true
}

// State returns a snapshot of the feed.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := make([]models.Photo, len(e.items))
	copy(items, e.items)
	st := State{
		Name:        e.name,
		Items:       items,
		Exhausted:   e.exhausted,
		HasMore:     !e.exhausted,
		Loading:     e.loading,
		ActiveQuery: e.query,
	}
	if e.cursor != nil {
		c := *e.cursor
		st.Cursor = &c
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	switch {
	case e.loading:
		st.Status = StatusLoading
	case e.err != nil:
		st.Status = StatusError
	case e.exhausted:
		st.Status = StatusExhausted
	case e.fetched:
		st.Status = StatusReady
	default:
		st.Status = StatusIdle
	}
	return st
}

func (e *Engine) changed() {
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}
